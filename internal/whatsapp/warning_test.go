package whatsapp

import "testing"

func TestForeignKeyDetection(t *testing.T) {
	tests := []struct {
		name           string
		dsn            string
		hasForeignKeys bool
	}{
		{"SQLite DSN without foreign keys", "/tmp/test.db", false},
		{"SQLite DSN with _foreign_keys=on", "file:/tmp/test.db?_foreign_keys=on", true},
		{"SQLite DSN with foreign_keys=1", "file:/tmp/test.db?foreign_keys=1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasForeignKeys(tt.dsn); got != tt.hasForeignKeys {
				t.Errorf("hasForeignKeys(%q) = %v, want %v", tt.dsn, got, tt.hasForeignKeys)
			}
		})
	}
}
