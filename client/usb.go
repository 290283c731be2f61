package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
)

const DefaultTimeout = 2 * time.Second

// USB is a Transport over libusb. Bulk interfaces are claimed on first use
// because the SPI data interface only carries traffic in Flash and FPGA
// mode.
type USB struct {
	ctx *gousb.Context
	dev *gousb.Device
	cfg *gousb.Config

	intf map[int]*gousb.Interface // by endpoint number
	out  map[int]*gousb.OutEndpoint
	in   map[int]*gousb.InEndpoint
}

// OpenUSB opens the first probe matching vid:pid.
func OpenUSB(vid, pid uint16) (*USB, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("USB error: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device not found (VID:0x%04X PID:0x%04X)", vid, pid)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		glog.V(1).Infof("auto-detach: %v", err)
	}
	dev.ControlTimeout = DefaultTimeout

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	glog.V(1).Infof("opened %s", dev)
	return &USB{
		ctx:  ctx,
		dev:  dev,
		cfg:  cfg,
		intf: make(map[int]*gousb.Interface),
		out:  make(map[int]*gousb.OutEndpoint),
		in:   make(map[int]*gousb.InEndpoint),
	}, nil
}

func (u *USB) ControlOut(req uint8, value uint16) error {
	_, err := u.dev.Control(gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice, req, value, 0, nil)
	return err
}

func (u *USB) ControlIn(req uint8, value uint16, buf []byte) (int, error) {
	return u.dev.Control(gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice, req, value, 0, buf)
}

// claim finds the interface holding endpoint number ep and opens its
// endpoints.
func (u *USB) claim(ep int) (*gousb.Interface, error) {
	if intf, ok := u.intf[ep]; ok {
		return intf, nil
	}
	for _, id := range u.cfg.Desc.Interfaces {
		if len(id.AltSettings) == 0 {
			continue
		}
		alt := id.AltSettings[0]
		found := false
		for _, d := range alt.Endpoints {
			if d.Number == ep && d.TransferType == gousb.TransferTypeBulk {
				found = true
			}
		}
		if !found {
			continue
		}
		intf, err := u.cfg.Interface(id.Number, alt.Alternate)
		if err != nil {
			return nil, fmt.Errorf("failed to claim interface %d: %w", id.Number, err)
		}
		for _, d := range alt.Endpoints {
			if d.TransferType != gousb.TransferTypeBulk {
				continue
			}
			u.intf[d.Number] = intf
			if d.Direction == gousb.EndpointDirectionOut {
				if u.out[d.Number], err = intf.OutEndpoint(d.Number); err != nil {
					return nil, fmt.Errorf("failed to open OUT endpoint %d: %w", d.Number, err)
				}
			} else {
				if u.in[d.Number], err = intf.InEndpoint(d.Number); err != nil {
					return nil, fmt.Errorf("failed to open IN endpoint %d: %w", d.Number, err)
				}
			}
		}
		return intf, nil
	}
	return nil, fmt.Errorf("no interface carries bulk endpoint %d", ep)
}

func (u *USB) Bulk(ep int, out, in []byte) (int, error) {
	if _, err := u.claim(ep); err != nil {
		return 0, err
	}
	o, i := u.out[ep], u.in[ep]
	if o == nil || i == nil {
		return 0, fmt.Errorf("endpoint %d is not bidirectional", ep)
	}
	if _, err := o.Write(out); err != nil {
		return 0, fmt.Errorf("USB write failed: %w", err)
	}
	n, err := i.Read(in)
	if errors.Is(err, gousb.TransferTimedOut) {
		return 0, ErrNoReply
	}
	if err != nil {
		return 0, fmt.Errorf("USB read failed: %w", err)
	}
	return n, nil
}

func (u *USB) ReadStream(ep int, buf []byte) (int, error) {
	if _, err := u.claim(ep); err != nil {
		return 0, err
	}
	i := u.in[ep]
	if i == nil {
		return 0, fmt.Errorf("endpoint %d has no IN direction", ep)
	}
	return i.Read(buf)
}

func (u *USB) Close() error {
	closed := make(map[*gousb.Interface]bool)
	for _, intf := range u.intf {
		if !closed[intf] {
			intf.Close()
			closed[intf] = true
		}
	}
	var errs []error
	errs = append(errs, u.cfg.Close(), u.dev.Close(), u.ctx.Close())
	return errors.Join(errs...)
}

var _ Transport = (*USB)(nil)
