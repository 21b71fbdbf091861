package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/groutine"
	"github.com/srg/buttond/internal/radio"
)

// Connect implements radio.Radio.
func (r *Radio) Connect(id string) error {
	dev, err := r.device()
	if err != nil {
		return err
	}
	id = button.NormalizeID(id)

	if _, linked := r.links.Get(id); linked {
		r.logger.WithField("button", id).Debug("Button already linked")
		groutine.GoWait(r.ctx, &r.wg, "goble-reconfirm", func(context.Context) {
			r.delegate.OnConnected(id)
			r.delegate.OnReady(id)
		})
		return nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.ConnectTimeout)
	if _, dialing := r.pending.GetOrInsert(id, cancel); dialing {
		cancel()
		return nil
	}

	if err := r.submit(func() { r.connect(ctx, cancel, dev, id) }); err != nil {
		r.pending.Del(id)
		cancel()
		return err
	}
	return nil
}

func (r *Radio) connect(ctx context.Context, cancel context.CancelFunc, dev ble.Device, id string) {
	defer cancel()
	defer r.pending.Del(id)

	log := r.logger.WithField("button", id)
	log.Debug("Dialing button")

	client, err := dev.Dial(ctx, ble.NewAddr(id))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) && r.ctx.Err() == nil {
			log.Debug("Dial cancelled by disconnect request")
			r.delegate.OnDisconnected(id, nil)
			return
		}
		log.WithError(err).Warn("Failed to connect button")
		r.delegate.OnConnectFailed(id, radio.NormalizeError(err))
		return
	}
	r.delegate.OnConnected(id)

	char, err := r.eventCharacteristic(client)
	if err == nil {
		err = client.Subscribe(char, false, r.clickHandler(id))
	}
	if err != nil {
		log.WithError(err).Warn("Failed to set up button events")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithError(cancelErr).Debug("Failed to cancel connection after setup failure")
		}
		r.delegate.OnConnectFailed(id, radio.NormalizeError(err))
		return
	}

	l := &link{client: client}
	r.links.Set(id, l)
	groutine.GoWait(r.ctx, &r.wg, "goble-link-monitor", func(ctx context.Context) {
		r.monitor(ctx, id, l)
	})

	log.Info("Button ready")
	r.delegate.OnReady(id)
}

// monitor reports the end of a link exactly once.
func (r *Radio) monitor(ctx context.Context, id string, l *link) {
	select {
	case <-l.client.Disconnected():
	case <-ctx.Done():
		return
	}

	r.links.Del(id)

	var err error
	if !l.closing.Load() {
		err = errors.New("link lost")
	}
	r.logger.WithField("button", id).WithField("requested", l.closing.Load()).Info("Button disconnected")
	r.delegate.OnDisconnected(id, err)
}

// Disconnect implements radio.Radio.
func (r *Radio) Disconnect(id string) error {
	id = button.NormalizeID(id)

	if cancel, dialing := r.pending.Get(id); dialing {
		cancel()
		return nil
	}

	l, ok := r.links.Get(id)
	if !ok {
		// nothing to tear down, confirm asynchronously
		groutine.GoWait(r.ctx, &r.wg, "goble-disconnect", func(context.Context) {
			r.delegate.OnDisconnected(id, nil)
		})
		return nil
	}

	l.closing.Store(true)
	return r.submit(func() {
		if err := l.client.CancelConnection(); err != nil {
			r.logger.WithError(err).WithField("button", id).Warn("Failed to cancel connection")
		}
	})
}

func (r *Radio) eventCharacteristic(client ble.Client) (*ble.Characteristic, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}
	char := profile.FindCharacteristic(ble.NewCharacteristic(r.event))
	if char == nil {
		return nil, fmt.Errorf("event characteristic %s not found", r.event)
	}
	return char, nil
}

func (r *Radio) clickHandler(id string) ble.NotificationHandler {
	return func(data []byte) {
		click, err := radio.DecodeClick(data)
		if err != nil {
			r.logger.WithError(err).WithField("button", id).Debug("Ignoring notification")
			return
		}
		r.delegate.OnClick(id, click)
	}
}
