package manager

import (
	"context"
	"time"

	"github.com/fako1024/btobd/pkg/device"
	"go.uber.org/multierr"
)

// AttemptAutoConnect tries to connect to, in this order, the last successfully connected
// device, the preferred device (if known) and the best ranked discovered devices. If no
// device is known at all, a scan is run first. Blacklisted devices are skipped. The
// first successful connection is returned
func (m *Manager) AttemptAutoConnect(ctx context.Context) (ConnectResult, error) {
	if !m.store.Preferences().AutoConnect {
		return ConnectResult{}, ErrAutoConnectDisabled
	}

	m.Lock()
	if err := m.usable(); err != nil {
		m.Unlock()
		return ConnectResult{}, err
	}
	switch m.phase {
	case PhaseIdle:
	case PhaseConnected:
		res := ConnectResult{Device: m.active.Clone(), HandshakeErr: m.handshakeErr}
		m.Unlock()
		return res, nil
	default:
		m.Unlock()
		return ConnectResult{}, ErrBusy
	}
	m.Unlock()

	if len(m.discovery.Devices()) == 0 && !m.hasUsableLast() {
		m.logger.Infof("no known devices, scanning before auto-connect")
		scan, err := m.StartScan(m.cfg.ScanTimeout)
		if err != nil {
			return ConnectResult{}, err
		}
		if _, err := scan.Wait(ctx); err != nil {
			scan.Stop()
			return ConnectResult{}, err
		}
	}

	candidates := m.Candidates()
	if len(candidates) == 0 {
		return ConnectResult{}, ErrNoCandidates
	}

	var errs error
	for i, d := range candidates {
		if i > 0 && m.cfg.AutoConnectPause > 0 {
			select {
			case <-ctx.Done():
				return ConnectResult{}, multierr.Append(errs, ctx.Err())
			case <-time.After(m.cfg.AutoConnectPause):
			}
		}

		m.logger.Infof("auto-connect: trying `%s` (%d/%d)", d, i+1, len(candidates))
		res, err := m.Connect(ctx, d.Address)
		if err == nil {
			return res, nil
		}
		if isFatal(err) {
			return ConnectResult{}, err
		}
		errs = multierr.Append(errs, err)
	}

	return ConnectResult{}, multierr.Append(ErrNoCandidates, errs)
}

// Candidates returns the ordered, de-duplicated list of auto-connect candidates
func (m *Manager) Candidates() []device.Device {
	var (
		res  []device.Device
		seen = make(map[string]struct{})
	)
	add := func(d device.Device) bool {
		if _, exists := seen[d.Address]; exists || m.store.IsBlacklisted(d.Address) {
			return false
		}
		seen[d.Address] = struct{}{}
		res = append(res, d)
		return true
	}

	discovered := m.discovery.Devices()

	// Last successfully connected device
	if last, found := m.store.LastConnected(); found {
		if d, found := m.discovery.Device(last.Address); found {
			add(d)
		} else {
			add(last.Device())
		}
	}

	// Preferred device, if currently known
	if pref := m.store.Preferences().PreferredDevice; pref != "" {
		if d, found := m.discovery.Device(pref); found {
			add(d)
		} else if saved, found := m.store.Saved(pref); found {
			add(saved.Device())
		}
	}

	// Best ranked discovered devices
	n := 0
	for _, d := range discovered {
		if n >= m.cfg.AutoConnectTop {
			break
		}
		if m.store.IsBlacklisted(d.Address) {
			continue
		}
		n++
		add(d)
	}

	return res
}

////////////////////////////////////////////////////////////////////////////////

func (m *Manager) hasUsableLast() bool {
	last, found := m.store.LastConnected()
	return found && !m.store.IsBlacklisted(last.Address)
}
