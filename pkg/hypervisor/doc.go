/*
Package hypervisor drives libvirt domains for Talus's VMHandler: domain
XML synthesis (domainxml.go) and a thin wrapper over the libvirt native
RPC wire protocol (libvirt.go) for domain creation and teardown.

Teardown favors a pidfile SIGKILL over a graceful libvirt DomainDestroy
call — orders of magnitude faster under the
drip-feed scheduler's load, at the cost of a clean guest shutdown the
guest never gets to perform anyway once its wall-clock ceiling or job
cancellation arrives.

pkg/worker depends on the Hypervisor interface, not *Driver, so its
VMHandler lifecycle tests run against Fake without a libvirt daemon.
*/
package hypervisor
