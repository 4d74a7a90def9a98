package utils

import (
	"context"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestExtractFromDBURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"postgresql://user:pw@dbhost:5433/sync", "dbhost:5433"},
		{"postgresql://user:pw@dbhost/sync", "dbhost:5432"},
		{"postgres://dbhost/sync", "dbhost:5432"},
		{"nats://localhost:4222", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, ExtractFromDBURL(tt.url), tt.want)
		})
	}
}

func TestExtractFromNatsURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"nats://localhost:4222", "localhost:4222"},
		{"nats://user:pw@broker", "broker:4222"},
		{"tls://broker:4443", "broker:4443"},
		{"postgresql://x/y", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, ExtractFromNatsURL(tt.url), tt.want)
		})
	}
}

func TestExtractFromWebsocketURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"ws://localhost:8090/ws/producer", "localhost:8090"},
		{"ws://sync.example.com/ws/producer", "sync.example.com:80"},
		{"wss://sync.example.com/ws/producer", "sync.example.com:443"},
		{"http://localhost:8090", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, ExtractFromWebsocketURL(tt.url), tt.want)
		})
	}
}

func TestWaitForTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer l.Close()

	assert.NilError(t, WaitForTCP(context.Background(), l.Addr().String(), time.Second))

	addr := l.Addr().String()
	l.Close()
	err = WaitForTCP(context.Background(), addr, 300*time.Millisecond)
	assert.ErrorContains(t, err, "could not be reached")
}
