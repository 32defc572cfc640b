package config

import (
	"errors"
	"os"
	"testing"

	"github.com/pingsantohq/readiness/pkg/types"
)

func TestOpenSettingsDefaultsWhenMissing(t *testing.T) {
	store, err := OpenSettings(t.TempDir())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	got := store.Get()
	if got.MaxAutoTests != 3 || got.TestIntervalSeconds != 300 || got.WebPort != 5001 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.Databricks.Database != "network_tests" || got.Databricks.Table != "test_results" {
		t.Fatalf("unexpected databricks defaults: %+v", got.Databricks)
	}
	if len(got.Targets.DNS) == 0 || got.Targets.NTP == "" {
		t.Fatalf("expected default targets: %+v", got.Targets)
	}
}

func TestUpdateSectionOnlyTouchesSection(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSettings(dir)
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}

	body := []byte(`{"auto_test_enabled": true, "max_auto_tests": 5, "webhook_url": "https://ignored.example.com"}`)
	got, err := store.UpdateSection(SectionTest, body)
	if err != nil {
		t.Fatalf("update test section: %v", err)
	}
	if !got.AutoTestEnabled || got.MaxAutoTests != 5 {
		t.Fatalf("expected test settings applied: %+v", got)
	}
	if got.WebhookURL != "" {
		t.Fatalf("export field leaked through test section: %q", got.WebhookURL)
	}

	reopened, err := OpenSettings(dir)
	if err != nil {
		t.Fatalf("reopen settings: %v", err)
	}
	if !reopened.Get().AutoTestEnabled {
		t.Fatalf("expected update to be persisted")
	}
}

func TestUpdateNestedSectionKeepsMaskedSecret(t *testing.T) {
	store, err := OpenSettings(t.TempDir())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	if _, err := store.UpdateSection(SectionDatabricks, []byte(`{"enabled": true, "workspace_url": "https://dbc.example.com", "access_token": "dapi-1", "warehouse_id": "wh"}`)); err != nil {
		t.Fatalf("first update: %v", err)
	}
	got, err := store.UpdateSection(SectionDatabricks, []byte(`{"warehouse_id": "wh-2", "access_token": "`+types.SecretMask+`"}`))
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if got.Databricks.AccessToken != "dapi-1" {
		t.Fatalf("expected masked token to keep stored value, got %q", got.Databricks.AccessToken)
	}
	if got.Databricks.WarehouseID != "wh-2" || !got.Databricks.Enabled {
		t.Fatalf("unexpected databricks settings: %+v", got.Databricks)
	}
}

func TestUpdateSectionRejectsInvalid(t *testing.T) {
	store, err := OpenSettings(t.TempDir())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	if _, err := store.UpdateSection("wifi", []byte(`{}`)); !errors.Is(err, ErrUnknownSection) {
		t.Fatalf("expected ErrUnknownSection, got %v", err)
	}
	if _, err := store.UpdateSection(SectionExport, []byte(`{"auto_export_format": "docx"}`)); err == nil {
		t.Fatalf("expected invalid export format to be rejected")
	}
	if _, err := store.UpdateSection(SectionTest, []byte(`{"targets": {"tcp": [{"host": "a", "port": 70000}]}}`)); err == nil {
		t.Fatalf("expected invalid port to be rejected")
	}
	if store.Get().AutoExportFormat != "pdf" {
		t.Fatalf("rejected update must not change settings")
	}
}

func TestBackupReplaceAndReset(t *testing.T) {
	store, err := OpenSettings(t.TempDir())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	if _, err := store.UpdateSection(SectionExport, []byte(`{"site_label": "HQ"}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	backup, err := store.Backup()
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if store.Get().SiteLabel != "" {
		t.Fatalf("expected reset to clear site label")
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected settings file removed, stat err=%v", err)
	}

	restored, err := ParseSettings(backup)
	if err != nil {
		t.Fatalf("parse backup: %v", err)
	}
	if err := store.Replace(restored); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if store.Get().SiteLabel != "HQ" {
		t.Fatalf("expected restored site label")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store, err := OpenSettings(t.TempDir())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	got := store.Get()
	got.Targets.DNS[0] = "mutated.example.com"
	if store.Get().Targets.DNS[0] == "mutated.example.com" {
		t.Fatalf("Get leaked internal slice")
	}
}
