package app

import (
	"os"
	"strings"
	"time"

	"github.com/forgebuild/coordinator/internal/logger"
	"github.com/forgebuild/coordinator/internal/utils"
)

type Config struct {
	MasterName        string
	Builders          []string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ClaimExpiry       time.Duration
	SweepInterval     time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "master"
	}
	masterName := utils.GetEnv("MASTER_NAME", hostname, log)
	buildersRaw := utils.GetEnv("BUILDERS", "", log)
	pollSeconds := utils.GetEnvAsInt("POLL_INTERVAL", 5, log)
	heartbeatSeconds := utils.GetEnvAsInt("HEARTBEAT_INTERVAL", 30, log)
	claimExpirySeconds := utils.GetEnvAsInt("CLAIM_EXPIRY", 600, log)
	sweepSeconds := utils.GetEnvAsInt("SWEEP_INTERVAL", 60, log)

	var builders []string
	for _, name := range strings.Split(buildersRaw, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			builders = append(builders, name)
		}
	}

	return Config{
		MasterName:        masterName,
		Builders:          builders,
		PollInterval:      time.Duration(pollSeconds) * time.Second,
		HeartbeatInterval: time.Duration(heartbeatSeconds) * time.Second,
		ClaimExpiry:       time.Duration(claimExpirySeconds) * time.Second,
		SweepInterval:     time.Duration(sweepSeconds) * time.Second,
	}
}
