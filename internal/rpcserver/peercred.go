package rpcserver

// PeerCredentials is the platform-independent view of a Unix-domain
// peer's identity, used to gate connections to the RPC socket beyond
// password authentication (spec.md section 4.6 names peer-credential
// verification as a defense-in-depth option alongside the account
// system).
type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32
}
