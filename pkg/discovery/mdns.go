package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brutella/dnssd"
)

// MDNSAnnouncer publishes the receiver's service record over multicast
// DNS for as long as the context lives.
type MDNSAnnouncer struct{}

func (m *MDNSAnnouncer) Announce(ctx context.Context, serviceInfo ServiceInfo) error {
	text := map[string]string{
		"version": serviceInfo.Version,
		"device":  serviceInfo.Device,
	}

	cfg := dnssd.Config{
		Name:   serviceInfo.Name,
		Type:   serviceInfo.Type,
		Domain: serviceInfo.Domain,
		// mdns will multicast to ip address, so we can leave it nil
		IPs:  nil,
		Text: text,
		Port: serviceInfo.Port,
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("failed to create mDNS responder: %w", err)
	}

	if _, err = rp.Add(service); err != nil {
		return fmt.Errorf("failed to add mDNS service: %w", err)
	}

	if err = rp.Respond(ctx); err != nil {
		// Context cancellation is not an error in normal operation
		if err == context.Canceled {
			return nil
		}
		return fmt.Errorf("failed to respond to mDNS service: %w", err)
	}

	slog.Info("Shutting down mDNS responder", "name", serviceInfo.Name)
	return nil
}
