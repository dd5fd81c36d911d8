// Package capability translates a plugin's declared capability grant into
// the set of host calls it may invoke. It is a pure
// function of Capabilities — it holds no state and makes no decisions
// that depend on runtime conditions.
package capability

import "tidegate/pkg/plugin"

// Call names the host calls gated by capability.
type Call string

const (
	CallSubscribe                Call = "subscribe"
	CallUnsubscribe              Call = "unsubscribe"
	CallPublishDelta             Call = "publish_delta"
	CallHTTPFetch                Call = "http_fetch"
	CallRegisterPutHandler       Call = "register_put_handler"
	CallRegisterResourceProvider Call = "register_resource_provider"
)

// Table is the set of host calls granted to one instance.
type Table map[Call]bool

// Gate translates a declared Capabilities value into a Table.
func Gate(caps plugin.Capabilities) Table {
	t := make(Table)
	if caps.DataRead {
		t[CallSubscribe] = true
		t[CallUnsubscribe] = true
	}
	if caps.DataWrite {
		t[CallPublishDelta] = true
	}
	if caps.Network {
		t[CallHTTPFetch] = true
	}
	if caps.PutHandlers {
		t[CallRegisterPutHandler] = true
	}
	if caps.ResourceProvider {
		t[CallRegisterResourceProvider] = true
	}
	// storage=vfs_only and http_endpoints are enforced at instantiation
	// time (WASI preopens) and at the HTTP façade respectively; neither
	// gates a host call here. serialPorts has no host call behind it at
	// all — see DESIGN.md.
	return t
}

// Allowed reports whether call is in the granted table.
func (t Table) Allowed(call Call) bool {
	return t[call]
}
