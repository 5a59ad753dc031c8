package health

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/hark/pkg/provider/tts"
)

// Pinger is implemented by stores that can probe their backend, such as the
// PostgreSQL turn log.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports whether p answers a ping.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// voicesCacheFor spaces out voice listings, which may be billed API calls.
const voicesCacheFor = 30 * time.Second

// VoicesCheck lists the voices of a synthesis backend and fails when none
// are reachable or none are installed. Results are cached for 30s.
func VoicesCheck(name string, vl tts.VoiceLister) Checker {
	return Checker{Name: name, CacheFor: voicesCacheFor, Check: func(ctx context.Context) error {
		voices, err := vl.ListVoices(ctx)
		if err != nil {
			return err
		}
		if len(voices) == 0 {
			return errors.New("no voices available")
		}
		return nil
	}}
}

// FlagCheck fails with msg while ok returns false, for state tracked
// elsewhere such as whether the capture device is open.
func FlagCheck(name, msg string, ok func() bool) Checker {
	err := errors.New(msg)
	return Checker{Name: name, Check: func(context.Context) error {
		if !ok() {
			return err
		}
		return nil
	}}
}
