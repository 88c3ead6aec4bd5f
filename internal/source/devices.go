package source

import (
	"fmt"

	"github.com/and161185/vmstats/model"
	"libvirt.org/go/libvirtxml"
)

// parseDevices returns interface target devs and the target devs of disks with device="disk".
func parseDevices(doc string) (model.Devices, error) {
	var d libvirtxml.Domain
	if err := d.Unmarshal(doc); err != nil {
		return model.Devices{}, fmt.Errorf("parse domain xml: %w", err)
	}
	var out model.Devices
	if d.Devices == nil {
		return out, nil
	}
	for _, i := range d.Devices.Interfaces {
		if i.Target != nil && i.Target.Dev != "" {
			out.Interfaces = append(out.Interfaces, i.Target.Dev)
		}
	}
	for _, disk := range d.Devices.Disks {
		if disk.Device == "disk" && disk.Target != nil && disk.Target.Dev != "" {
			out.Disks = append(out.Disks, disk.Target.Dev)
		}
	}
	return out, nil
}
