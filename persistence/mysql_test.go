//go:build integration
// +build integration

package persistence

import (
	"flag"
	"testing"

	"github.com/ndlib/bundlestore/bundle"
)

var dialmysql = flag.String("mysql", "/test", "Dial for mysql")

func TestMySQLManager(t *testing.T) {
	for _, model := range []string{"binary", "longlong"} {
		cfg := DefaultConfig()
		cfg.Schema = "mysql"
		cfg.URL = *dialmysql
		cfg.StorageModel = model
		cfg.SchemaObjectPrefix = "test_" + model + "_"
		cfg.MinBlobSize = 64
		m, err := New(cfg)
		if err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		if err := m.Init(); err != nil {
			t.Fatalf("Received %s", err.Error())
		}

		b := newTestBundle(bundle.NodeID{})
		b.SetProperty(propData, false, bundle.BinaryValue(make([]byte, 1000)))
		if err := m.StoreBundle(b); err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		got, err := m.LoadBundle(b.ID)
		if err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		if !got.Equal(b) {
			t.Errorf("Received %v, expected %v", got, b)
		}
		report, err := m.CheckConsistency([]bundle.NodeID{b.ID}, true, false)
		if err != nil {
			t.Errorf("Received %s", err.Error())
		} else if len(report.Events) != 0 {
			t.Errorf("Received events %v, expected none", report.Events)
		}
		if err := m.DestroyBundle(got); err != nil {
			t.Errorf("Received %s", err.Error())
		}
		m.Close()
	}
}
