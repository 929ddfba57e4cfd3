package main

import (
	"context"
	"testing"
	"time"

	"github.com/paulexconde/csat/internal/config"
	"github.com/paulexconde/csat/internal/dispatch"
)

func TestOpenSink(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		want    string
		wantErr bool
	}{
		{
			name: "no webhook url",
			cfg:  config.Config{Sink: config.SinkWebhook},
			want: "none",
		},
		{
			name: "webhook",
			cfg: config.Config{
				Sink:       config.SinkWebhook,
				WebhookURL: "https://tracker.example.com/hook",
				Delivery:   config.DeliveryConfig{AttemptTimeout: time.Second},
			},
			want: "webhook",
		},
		{
			name:    "unreachable postgres",
			cfg:     config.Config{Sink: config.SinkPostgres, DatabaseURL: "postgres://csat@127.0.0.1:1/csat?sslmode=disable&connect_timeout=1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			sink, closeSink, err := openSink(ctx, tt.cfg)
			if tt.wantErr {
				if err == nil {
					closeSink()
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer closeSink()

			got := "none"
			switch sink.(type) {
			case *dispatch.WebhookSink:
				got = "webhook"
			case nil:
			default:
				got = "other"
			}
			if got != tt.want {
				t.Errorf("sink = %s, want %s", got, tt.want)
			}
		})
	}
}
