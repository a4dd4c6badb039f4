package main

import (
	"context"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"tailscale.com/client/tailscale"
)

// magicDNSResolver answers DNS inside a tailnet with MagicDNS enabled.
const magicDNSResolver = "100.100.100.100"

// tsResolvers returns the nameservers configured for the tailnet, so DNS
// queries leaving through them do not count as a leak.
func tsResolvers(ctx context.Context, tailnet string) ([]string, error) {
	apiKey := os.Getenv("TS_API_KEY")
	if apiKey == "" {
		return nil, errors.New("TS_API_KEY is not set")
	}

	tailscale.I_Acknowledge_This_API_Is_Unstable = true
	client := tailscale.NewClient(tailnet, tailscale.APIKey(apiKey))

	nameservers, err := client.NameServers(ctx)
	if err != nil {
		return nil, err
	}

	prefs, err := client.DNSPreferences(ctx)
	if err != nil {
		return nil, err
	}
	if prefs.MagicDNS {
		nameservers = append(nameservers, magicDNSResolver)
	}

	log.Infof("discovered %d resolvers in tailnet %s", len(nameservers), tailnet)
	return nameservers, nil
}
