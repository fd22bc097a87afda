// Command ingest-token mints bearer tokens for the telemetry API.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/splax/agentwatch/pkg/config"
	jwtpkg "github.com/splax/agentwatch/pkg/jwt"
	"github.com/splax/agentwatch/pkg/logger"
)

func main() {
	agentID := flag.String("agent", "", "agent id the token is scoped to (empty for every agent)")
	ttl := flag.Duration("ttl", 30*24*time.Hour, "token lifetime; 0 issues a token without expiry")
	flag.Parse()

	log := logger.New("ingest-token", slog.LevelWarn)
	secret := strings.TrimSpace(config.GetString("INGEST_TOKEN_SECRET", ""))
	if secret == "" {
		log.Error("INGEST_TOKEN_SECRET is not set")
		os.Exit(1)
	}

	token, err := jwtpkg.GenerateToken(strings.TrimSpace(*agentID), secret, *ttl)
	if err != nil {
		log.Error("failed to generate token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
