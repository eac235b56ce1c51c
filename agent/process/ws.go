package process

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wsJSONWriter turns writes into JSON messages on a WebSocket connection.
type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with the bytes passed to write, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(b []byte) any
	// closeMsg is called when the writer is closed, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// break the messages into chunks based on max message size
	// the write limit is probably over-conservative, we are estimating the final encoded json size
	writeLimit := readLimit / 3
	for written := 0; written < len(b); {
		end := written + writeLimit
		if end > len(b) {
			end = len(b)
		}
		err := wsjson.Write(w.ctx, w.conn, w.writeMsg(b[written:end]))
		if err != nil {
			return written, err
		}
		written = end
	}
	w.log.Debugf("wrote %d bytes", len(b))
	return len(b), nil
}

func (w *wsJSONWriter) Close() error {
	var err error
	sendClose := w.closeMsg != nil
	if sendClose {
		err = wsjson.Write(w.ctx, w.conn, w.closeMsg())
	}
	w.log.Debugw("closed writer", "Error", err, "SentClose", sendClose)
	return err
}
