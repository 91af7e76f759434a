// Package meshcall is the session core of a full-mesh multi-party video
// call client.
//
// A Session joins a room through a websocket signaling server, waits for the
// host to admit it, then opens one WebRTC peer connection per remote
// participant. Local media comes from a Capturer (see tools.DeviceCapturer
// for a camera and microphone backed one) and everything that happens in the
// room is reported to an Observer.
//
//	session, err := meshcall.NewSession(logger, cfg, meshcall.WithCapturer(capturer), meshcall.WithObserver(ui))
//	if err != nil {
//		return err
//	}
//	if err := session.Start(ctx); err != nil {
//		return err
//	}
//	defer session.Leave(context.Background())
//
// Probe can be used before Start to check that the server is up and the
// room exists.
package meshcall
