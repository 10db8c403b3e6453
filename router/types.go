// Package router implements the bidirectional bridge that moves
// envelopes between ServiceRequesters and ServiceProviders and
// notifies requesters about provider availability changes. Two
// realizations share this capability set: an in-process Direct router
// (this package) and an IPC router carried over Redis streams
// (router/redisbus). The WebSocket socket binding (router/wsock) has
// its own Client/Hub API and does not implement Router.
package router

import (
	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/provider"
	"github.com/superisaac/csfabric/requester"
)

// Router is the capability set both realizations implement.
type Router interface {
	RegisterServiceProvider(sid csmsg.ServiceID, p *provider.Provider)
	RegisterServiceRequester(sid csmsg.ServiceID, addr csmsg.Address, r *requester.Requester)
	SendMessageToServer(sid csmsg.ServiceID, addr csmsg.Address, msg *csmsg.CSMessage) csmsg.ActionCallStatus
	SendMessageToClient(msg *csmsg.CSMessage, addr csmsg.Address) csmsg.ActionCallStatus
	NotifyServiceStatusToClient(sid csmsg.ServiceID, old, new csmsg.Availability)
}

// requiresSourceAddress reports whether opCode is one the router must
// reject at the boundary when carrying an unspecified source address,
// per the Open Question resolution in SPEC_FULL.md §9.
func requiresSourceAddress(opCode csmsg.OpCode) bool {
	switch opCode {
	case csmsg.OpRequest, csmsg.OpStatusGet, csmsg.OpStatusRegister, csmsg.OpSignalRegister:
		return true
	default:
		return false
	}
}
