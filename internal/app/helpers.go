package app

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/pairline/internal/config"
)

// iceServers converts the configured STUN/TURN servers to the form browsers
// accept in RTCPeerConnection.
func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" || s.Credential != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func logBanner(cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("Pairline realtime server")
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Listen      : %s", cfg.Server.HTTPAddr)
	log.Infof(" Database    : %s", cfg.Storage.SQLitePath)
	log.Infof(" Accounts    : %s", cfg.Accounts.Provider)
	log.Infof(" Auth        : %v", cfg.Auth.Enabled)
	log.Info("────────────────────────────────────────")
}
