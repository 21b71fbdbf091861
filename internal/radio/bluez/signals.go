package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/groutine"
	"github.com/srg/buttond/internal/radio"
)

// watch translates BlueZ signals into delegate callbacks until ctx is done or the channel closes.
func (r *Radio) watch(ctx context.Context, signals <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			r.handleSignal(sig)
		}
	}
}

func (r *Radio) handleSignal(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case propsSignal:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		r.propertiesChanged(sig.Path, iface, changed)
	case ifacesAdded:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[deviceIface]; ok {
			r.candidate(path, props)
		}
	}
}

func (r *Radio) propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	switch iface {
	case adapterIface:
		if path != adapterPath(r.opts.Adapter) {
			return
		}
		if v, ok := changed["Powered"]; ok {
			if powered, _ := v.Value().(bool); powered {
				r.delegate.OnPowerStateChange(radio.PowerOn)
			} else {
				r.delegate.OnPowerStateChange(radio.PowerOff)
			}
		}
	case deviceIface:
		r.deviceChanged(path, changed)
	case gattCharIface:
		v, ok := changed["Value"]
		if !ok {
			return
		}
		id, known := r.chars.Get(string(path))
		if !known {
			return
		}
		data, _ := v.Value().([]byte)
		click, err := radio.DecodeClick(data)
		if err != nil {
			r.logger.WithError(err).WithField("button", id).Warn("Ignoring malformed click notification")
			return
		}
		r.delegate.OnClick(id, click)
	}
}

func (r *Radio) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	addr := addressFromPath(path)
	if addr == "" {
		return
	}
	id := button.NormalizeID(addr)
	log := r.logger.WithField("button", id)

	if v, ok := changed["Connected"]; ok {
		connected, _ := v.Value().(bool)
		if r.quiet.Has(id) {
			if !connected {
				r.quiet.Remove(id)
			}
			return
		}
		if connected {
			log.Debug("Button connected")
			r.delegate.OnConnected(id)
		} else {
			r.dropChars(id)
			var err error
			if _, requested := r.closing.Pop(id); !requested {
				err = ErrLinkLost
			}
			log.WithError(err).Debug("Button disconnected")
			r.delegate.OnDisconnected(id, err)
		}
	}

	if v, ok := changed["ServicesResolved"]; ok && !r.quiet.Has(id) {
		if resolved, _ := v.Value().(bool); resolved {
			bus, err := r.backend()
			if err != nil {
				return
			}
			groutine.GoWait(r.ctx, &r.wg, "bluez-subscribe", func(context.Context) {
				r.subscribe(bus, id, path)
			})
		}
	}
}
