package client

import (
	"strings"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/media"
)

// Device is the capability negotiator. It is loaded once with the room's
// router capabilities; the negotiated set is what the client offers on
// every consume.
type Device struct {
	local media.RtpCapabilities

	once  sync.Once
	mu    sync.RWMutex
	caps  media.RtpCapabilities
	ready chan struct{}
}

func NewDevice(local media.RtpCapabilities) *Device {
	return &Device{local: local, ready: make(chan struct{})}
}

// Load negotiates against routerCaps. Only the first call has an effect.
func (d *Device) Load(routerCaps media.RtpCapabilities) {
	d.once.Do(func() {
		d.mu.Lock()
		d.caps = media.Intersect(d.local, routerCaps)
		d.mu.Unlock()
		close(d.ready)
	})
}

func (d *Device) Loaded() bool {
	select {
	case <-d.ready:
		return true
	default:
		return false
	}
}

// Ready is closed once Load ran.
func (d *Device) Ready() <-chan struct{} { return d.ready }

func (d *Device) RtpCapabilities() media.RtpCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

// CanProduce reports whether some negotiated codec has the given kind.
func (d *Device) CanProduce(kind domain.Kind) bool {
	for _, c := range d.RtpCapabilities().Codecs {
		k := c.Kind
		if k == "" {
			k = media.KindOfMime(c.MimeType)
		}
		if strings.EqualFold(k, string(kind)) {
			return true
		}
	}
	return false
}
