// Package streamctl remotely controls a live H.264/RTP video stream.
//
// A Producer captures video, encodes it and sends it as RTP over UDP to the
// Controller that asked for it. The Controller drives the Producer over a
// small TCP control protocol: it starts the stream and changes resolution,
// framerate and bitrate while the stream is running.
//
// # Quick Start
//
// Producer side:
//
//	p, err := streamctl.NewProducer(streamctl.ProducerConfig{
//	    Addr:    ":8080",
//	    Runtime: gstrt.New(),
//	    Source:  streamctl.Source{Kind: streamctl.SourceTest, Width: 1280, Height: 720, Framerate: 30},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//	log.Fatal(p.ListenAndServe(ctx))
//
// Controller side:
//
//	c, err := streamctl.Dial(ctx, streamctl.ControllerConfig{
//	    Addr:      "camera.local:8080",
//	    MediaPort: 8081,
//	    Runtime:   gstrt.New(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	if err := c.StartStreaming(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	_ = c.ChangeResolution(ctx, 640, 480)
//
// # Sessions
//
// A Producer streams to at most one Controller at a time. The connection
// that started the stream owns it: when that connection closes, streaming
// stops and another Controller may start. Requests from any other
// connection are answered with Error while the stream is owned.
//
// # Reconfiguration
//
// Resolution and framerate changes rebuild the part of the pipeline between
// the capture head and the network tail:
//
//	videorate → videoscale → capsfilter → videoconvert → x264enc
//
// The Producer blocks the head's output, swaps the chain while no buffer is
// in flight, and unblocks. The response is sent only once the new chain is
// in place. Bitrate changes apply to the running encoder without a rebuild.
//
// One reconfiguration is in flight at a time; a second one is rejected. A
// rebuild that fails or does not complete within the reconfigure timeout
// stops the stream.
//
// # Runtimes
//
// Pipelines are driven through a Runtime. gstrt (internal) uses GStreamer.
// simrt (internal) simulates the pipeline in-process and sends real RTP
// packets, which is what the tests use.
package streamctl
