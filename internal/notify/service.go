package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// vapidKeyPair is persisted next to the subscription file so the public
// key handed to browsers stays stable across restarts.
type vapidKeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateVAPIDKeys reads the key pair at path, generating and
// persisting a fresh pair when the file does not exist.
func LoadOrCreateVAPIDKeys(path string) (publicKey, privateKey string, err error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		var pair vapidKeyPair
		if err := json.Unmarshal(raw, &pair); err != nil {
			return "", "", fmt.Errorf("parse vapid keys: %w", err)
		}
		if pair.PublicKey == "" || pair.PrivateKey == "" {
			return "", "", fmt.Errorf("vapid key file %s is incomplete", path)
		}
		return pair.PublicKey, pair.PrivateKey, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("read vapid keys: %w", err)
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate vapid keys: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", "", fmt.Errorf("mkdir vapid key dir: %w", err)
	}
	data, err := json.MarshalIndent(vapidKeyPair{PublicKey: publicKey, PrivateKey: privateKey}, "", "  ")
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", "", fmt.Errorf("write vapid keys: %w", err)
	}
	slog.Info("Generated new VAPID key pair", "path", path)
	return publicKey, privateKey, nil
}

// Message is the payload delivered to the service worker.
type Message struct {
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Tag       string          `json:"tag,omitempty"`
	Renotify  bool            `json:"renotify,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Sender delivers one payload to one subscription and reports the HTTP
// status of the push gateway.
type Sender interface {
	Send(payload []byte, sub Subscription) (int, error)
}

type vapidSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidSender) Send(payload []byte, sub Subscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// Service fans notifications out to every stored subscription.
type Service struct {
	publicKey string
	subject   string
	store     *SubscriptionStore
	sender    Sender
}

// NewService builds a push service with keys from the given key file.
func NewService(keyPath, subscriptionsPath, subject string) (*Service, error) {
	if strings.TrimSpace(subject) == "" {
		subject = "mailto:flexistudy@localhost"
	}
	publicKey, privateKey, err := LoadOrCreateVAPIDKeys(keyPath)
	if err != nil {
		return nil, err
	}
	return &Service{
		publicKey: publicKey,
		subject:   subject,
		store:     NewSubscriptionStore(subscriptionsPath),
		sender:    &vapidSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
	}, nil
}

// PublicKey returns the VAPID public key browsers subscribe with.
func (s *Service) PublicKey() string { return s.publicKey }

// Store exposes the subscription store for the HTTP surface.
func (s *Service) Store() *SubscriptionStore { return s.store }

// Send delivers msg to every unfocused subscription. Endpoints the push
// gateway reports as gone are pruned. Returns how many deliveries
// succeeded.
func (s *Service) Send(msg Message) (int, error) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	subs, err := s.store.List()
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		slog.Debug("No push subscriptions, notification dropped", "tag", msg.Tag)
		return 0, nil
	}

	sent := 0
	for _, sub := range subs {
		if sub.ClientFocused != nil && *sub.ClientFocused {
			slog.Debug("Push skipped for focused client", "endpoint", endpointForLog(sub.Endpoint))
			continue
		}
		statusCode, err := s.sender.Send(payload, sub)
		if err == nil {
			sent++
			slog.Debug("Push sent", "endpoint", endpointForLog(sub.Endpoint), "httpStatus", statusCode, "tag", msg.Tag)
			continue
		}

		slog.Warn("Push send failed",
			"endpoint", endpointForLog(sub.Endpoint),
			"httpStatus", statusCode,
			"tag", msg.Tag,
			"error", err)
		if statusCode == http.StatusGone || statusCode == http.StatusNotFound {
			slog.Info("Pruning dead push subscription", "endpoint", endpointForLog(sub.Endpoint))
			_ = s.store.Remove(sub.Endpoint)
		}
	}
	return sent, nil
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}
