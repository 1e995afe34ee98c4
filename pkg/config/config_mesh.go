package config

import (
	"context"
	"net"

	"superpeer/pkg/mesh"
	"superpeer/pkg/utils"
)

// LoadMeshConfig builds the transport configuration on top of the mesh
// defaults. CIDR allowlist entries are validated here so a typo fails the
// boot instead of silently admitting everyone.
func LoadMeshConfig(ctx context.Context, cm *utils.ConfigManager) (mesh.Config, error) {
	cfg := mesh.DefaultConfig()
	cfg.ListenPort = cm.GetIntRange("P2P_LISTEN_PORT", cfg.ListenPort, 1, 65535)
	cfg.Rendezvous = cm.GetString("P2P_RENDEZVOUS", cfg.Rendezvous)
	cfg.EnableMDNS = cm.GetBool("P2P_ENABLE_MDNS", cfg.EnableMDNS)
	cfg.EnableTLS = cm.GetBool("P2P_ENABLE_TLS", cfg.EnableTLS)
	cfg.PreferNoise = cm.GetBool("P2P_PREFER_NOISE", cfg.PreferNoise)
	cfg.ConnLow = cm.GetIntRange("P2P_CONN_LOW", cfg.ConnLow, 1, 1000)
	cfg.ConnHigh = cm.GetIntRange("P2P_CONN_HIGH", cfg.ConnHigh, cfg.ConnLow+1, 2000)
	cfg.GracePeriod = cm.GetDuration("P2P_CONN_GRACE_PERIOD", cfg.GracePeriod)
	cfg.BootstrapAddrs = cm.GetStringSlice("P2P_BOOTSTRAP_PEERS", nil)
	cfg.AllowedCIDRs = cm.GetStringSlice("ALLOWED_IPS", nil)
	cfg.MaxMessageSize = cm.GetInt("P2P_MAX_MESSAGE_SIZE", cfg.MaxMessageSize)
	cfg.SendTimeout = cm.GetDuration("P2P_SEND_TIMEOUT", cfg.SendTimeout)

	for _, cidr := range cfg.AllowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return mesh.Config{}, &ValidationError{Field: "ALLOWED_IPS", Reason: "invalid CIDR " + cidr}
		}
	}

	utils.GetLogger().InfoContext(ctx, "mesh configuration loaded",
		utils.ZapInt("listen_port", cfg.ListenPort),
		utils.ZapBool("mdns", cfg.EnableMDNS),
		utils.ZapInt("allowed_cidrs", len(cfg.AllowedCIDRs)))
	return cfg, nil
}
