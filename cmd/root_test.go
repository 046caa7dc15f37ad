package cmd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/jake-scott/harmonyctl/internal/pkg/handlers"
	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyapi"
)

func TestCheckRequiredFlags(t *testing.T) {
	viper.Set("test.present", "x")
	defer viper.Set("test.present", nil)

	if err := checkRequiredFlags("test.present"); err != nil {
		t.Errorf("unexpected error %v", err)
	}

	err := checkRequiredFlags("test.present", "test.missing-a", "test.missing-b")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "items `test.missing-a`, `test.missing-b`") {
		t.Errorf("unexpected message %q", err)
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{"show-devices", "current-activity", "start-activity", "turn-off", "send-command", "server", "version"}

	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("subcommand %s not registered", name)
		}
	}
}

func TestRouterNotReady(t *testing.T) {
	hh := handlers.NewHarmonyHandler(harmonyapi.NewLiveClient())
	r := newRouter(hh, false, []string{"http://panel.local"})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/activity", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", rec.Code)
	}
	if rec.Header().Get("X-Txn-ID") == "" {
		t.Error("no transaction id header")
	}
}
