package hypervisor

import (
	"bytes"
	"fmt"
	"text/template"
)

// DomainSpec holds everything needed to synthesize a domain XML document
// for one VM.
type DomainSpec struct {
	Name       string // domain name, also used to derive the pidfile path
	MemoryKiB  int
	VCPUs      int
	DiskPath   string // qcow2 overlay disk
	ConfigISO  string // path to the generated config ISO, attached as cdrom
	MAC        string
	Network    string // libvirt network name the NIC is bound to
	FilterName string // nwfilter name built by the network filter, empty for unrestricted
	VNCPort    int
}

var domainXMLTemplate = template.Must(template.New("domain").Parse(`<domain type='kvm'>
  <name>{{.Name}}</name>
  <memory unit='KiB'>{{.MemoryKiB}}</memory>
  <vcpu>{{.VCPUs}}</vcpu>
  <os>
    <type arch='x86_64'>hvm</type>
    <boot dev='hd'/>
  </os>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='{{.DiskPath}}'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='file' device='cdrom'>
      <driver name='qemu' type='raw'/>
      <source file='{{.ConfigISO}}'/>
      <target dev='hdc' bus='ide'/>
      <readonly/>
    </disk>
    <interface type='network'>
      <mac address='{{.MAC}}'/>
      <source network='{{.Network}}'/>
{{- if .FilterName}}
      <filterref filter='{{.FilterName}}'/>
{{- end}}
      <model type='virtio'/>
    </interface>
    <graphics type='vnc' port='{{.VNCPort}}' autoport='no' listen='127.0.0.1'/>
  </devices>
</domain>
`))

// BuildDomainXML renders spec into a libvirt domain XML document.
func BuildDomainXML(spec DomainSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("domain name is required")
	}
	if spec.MemoryKiB == 0 {
		spec.MemoryKiB = 1 * 1024 * 1024 // 1GiB default
	}
	if spec.VCPUs == 0 {
		spec.VCPUs = 1
	}

	var buf bytes.Buffer
	if err := domainXMLTemplate.Execute(&buf, spec); err != nil {
		return "", fmt.Errorf("render domain xml: %w", err)
	}
	return buf.String(), nil
}

// DomainName derives a VM's libvirt domain name from its job and drop
// index, matching the overlay disk and pidfile naming contract:
// "<job>_<idx>".
func DomainName(job string, idx int) string {
	return fmt.Sprintf("%s_%d", job, idx)
}

// PidfilePath returns the well-known pidfile location for a domain, used
// by Driver.Destroy's SIGKILL fast path.
func PidfilePath(runtimeDir, domainName string) string {
	return fmt.Sprintf("%s/%s.pid", runtimeDir, domainName)
}

// OverlayDiskPath returns the scratch-directory path for a VM's
// copy-on-write overlay disk, named "<job>_<idx>.img".
func OverlayDiskPath(scratchDir, job string, idx int) string {
	return fmt.Sprintf("%s/%s_%d.img", scratchDir, job, idx)
}

// BaseImagePath returns the libvirt image store path for a base image,
// named "<image-id>_vagrant_box_image_0.img" for compatibility with
// existing image caches.
func BaseImagePath(imageStoreDir, imageID string) string {
	return fmt.Sprintf("%s/%s_vagrant_box_image_0.img", imageStoreDir, imageID)
}
