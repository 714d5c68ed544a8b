package peer

import (
	"fmt"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/utils"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// NewAPI builds the pion API and peer connection configuration shared by all
// links of one client.
func NewAPI(cfg config.WebRTCConfig, logger *zap.Logger) (*webrtc.API, webrtc.Configuration, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, webrtc.Configuration{}, fmt.Errorf("register default codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, i); err != nil {
		return nil, webrtc.Configuration{}, fmt.Errorf("register default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{LoggerFactory: utils.NewPionLoggerFactory(logger)}
	if cfg.UDPPortRange.Min > 0 && cfg.UDPPortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return nil, webrtc.Configuration{}, fmt.Errorf("set UDP port range: %w", err)
		}
	}
	if cfg.PublicIP != "" {
		settingEngine.SetNAT1To1IPs([]string{cfg.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	)

	conf := webrtc.Configuration{
		ICEServers: make([]webrtc.ICEServer, len(cfg.ICEServers)),
	}
	for idx, iceServer := range cfg.ICEServers {
		conf.ICEServers[idx] = webrtc.ICEServer{
			URLs:       iceServer.URLs,
			Username:   iceServer.Username,
			Credential: iceServer.Credential,
		}
	}
	return api, conf, nil
}

// NewPionFactory opens links over real peer connections.
func NewPionFactory(api *webrtc.API, conf webrtc.Configuration, logger *zap.Logger) Factory {
	return func(peerID string, obs Observer) (Transport, error) {
		return NewPionTransport(api, conf, obs, logger.With(zap.String("peerID", peerID)))
	}
}
