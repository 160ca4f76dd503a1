package signal

import (
	"context"
	"time"

	"github.com/dkeye/Meet/internal/protocol"
)

func (ctl *SignalWSController) handlePing(context.Context, *session, protocol.Envelope) (any, error) {
	return protocol.PongResponse{Time: time.Now().UnixMilli()}, nil
}
