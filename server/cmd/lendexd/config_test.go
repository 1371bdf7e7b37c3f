// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"path/filepath"
	"testing"

	"github.com/decred/slog"
	"lendex.org/lendex/server/db/driver/badgerdb"
	"lendex.org/lendex/server/db/driver/pg"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = "17480"
)

func Test_normalizeNetworkAddress(t *testing.T) {
	tests := []struct {
		listen  string
		want    string
		wantErr bool
	}{
		{
			listen: "[::1]",
			want:   "[::1]:17480",
		},
		{
			listen: "[::]:",
			want:   "[::]:17480",
		},
		{
			listen: "",
			want:   "127.0.0.1:17480",
		},
		{
			listen: "127.0.0.2",
			want:   "127.0.0.2:17480",
		},
		{
			listen: ":7222",
			want:   "127.0.0.1:7222",
		},
		{
			listen:  "https://127.0.0.1:7222",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			got, err := normalizeNetworkAddress(tt.listen, defaultHost, defaultPort)
			if (err != nil) != tt.wantErr {
				t.Errorf("normalizeNetworkAddress() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("normalizeNetworkAddress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_cleanAndExpandPath(t *testing.T) {
	t.Setenv("LENDEX_TEST_DIR", "/srv/lendex")
	if got := cleanAndExpandPath("$LENDEX_TEST_DIR/data/../logs"); got != "/srv/lendex/logs" {
		t.Errorf("wrong expansion %q", got)
	}
	if got := cleanAndExpandPath(""); got != "" {
		t.Errorf("empty path expanded to %q", got)
	}
	if got := cleanAndExpandPath("~/lendexd"); filepath.Base(got) != "lendexd" || got[0] == '~' {
		t.Errorf("home not expanded: %q", got)
	}
}

func Test_parseAndSetDebugLevels(t *testing.T) {
	defer setLogLevels(slog.LevelInfo)

	lm, err := parseAndSetDebugLevels("debug,MTCH=trace,DB=warn")
	if err != nil {
		t.Fatalf("parseAndSetDebugLevels error: %v", err)
	}
	if lm.DefaultLevel != slog.LevelDebug {
		t.Errorf("wrong default level %v", lm.DefaultLevel)
	}
	if subsystemLoggers["MTCH"].Level() != slog.LevelTrace {
		t.Errorf("MTCH level not set")
	}
	if subsystemLoggers["DB"].Level() != slog.LevelWarn {
		t.Errorf("DB level not set")
	}
	if subsystemLoggers["STTL"].Level() != slog.LevelDebug {
		t.Errorf("STTL level not set to the default")
	}

	for _, bad := range []string{"loud", "NOPE=info", "MTCH=loud"} {
		if _, err = parseAndSetDebugLevels(bad); err == nil {
			t.Errorf("no error for %q", bad)
		}
	}
}

func Test_buildConfig(t *testing.T) {
	newFlags := func() *flagsData {
		cfg := defaultFlags()
		cfg.DataDir = t.TempDir()
		return &cfg
	}

	cfg := newFlags()
	lc, err := buildConfig(cfg)
	if err != nil {
		t.Fatalf("buildConfig error: %v", err)
	}
	if lc.Lendex.DB.Driver != badgerdb.DriverName ||
		lc.Lendex.DB.Badger.Path != filepath.Join(cfg.DataDir, defaultBadgerDirname) {
		t.Fatalf("wrong db config %+v", lc.Lendex.DB)
	}
	if lc.Lendex.MinimumOffer != 100 {
		t.Fatalf("wrong minimum offer %d", lc.Lendex.MinimumOffer)
	}
	if len(lc.Lendex.Comms.ListenAddrs) != 1 || lc.Lendex.Comms.ListenAddrs[0] != "127.0.0.1:7480" {
		t.Fatalf("wrong listen addresses %v", lc.Lendex.Comms.ListenAddrs)
	}
	if lc.Lendex.KYCLimits != nil || lc.Lendex.Kafka != nil || lc.Lendex.Comms.TLS != nil {
		t.Fatalf("optional services configured by default")
	}

	cfg = newFlags()
	cfg.DBDriver = pg.DriverName
	cfg.PGHost = "db.internal:6432"
	cfg.KYCLimits = "1:5000,2:100000"
	cfg.KafkaBrokers = []string{"kafka:9092"}
	cfg.APIListen = []string{":8080", "[::1]"}
	cfg.MinimumOffer = "0.25"
	if lc, err = buildConfig(cfg); err != nil {
		t.Fatalf("buildConfig error: %v", err)
	}
	if lc.Lendex.DB.PG.Host != "db.internal" || lc.Lendex.DB.PG.Port != "6432" {
		t.Fatalf("wrong pg config %+v", lc.Lendex.DB.PG)
	}
	if lc.Lendex.KYCLimits[2] != 100000 || lc.Lendex.Kafka.Topic != defaultKafkaTopic {
		t.Fatalf("wrong optional services")
	}
	if lc.Lendex.MinimumOffer != 25 {
		t.Fatalf("wrong minimum offer %d", lc.Lendex.MinimumOffer)
	}
	if lc.Lendex.Comms.ListenAddrs[1] != "[::1]:7480" {
		t.Fatalf("wrong listen addresses %v", lc.Lendex.Comms.ListenAddrs)
	}

	cfg = newFlags()
	cfg.DBDriver = pg.DriverName
	cfg.PGHost = "/run/postgresql"
	if lc, err = buildConfig(cfg); err != nil {
		t.Fatalf("buildConfig error: %v", err)
	}
	if lc.Lendex.DB.PG.Host != "/run/postgresql" || lc.Lendex.DB.PG.Port != "" {
		t.Fatalf("wrong socket config %+v", lc.Lendex.DB.PG)
	}

	for name, mod := range map[string]func(*flagsData){
		"sub-atom minoffer":  func(c *flagsData) { c.MinimumOffer = "0.001" },
		"negative minoffer":  func(c *flagsData) { c.MinimumOffer = "-1" },
		"bad minoffer":       func(c *flagsData) { c.MinimumOffer = "one" },
		"bad kyc limits":     func(c *flagsData) { c.KYCLimits = "1=5" },
		"zero hold period":   func(c *flagsData) { c.HoldPeriod = 0 },
		"bad pg host":        func(c *flagsData) { c.DBDriver, c.PGHost = pg.DriverName, "db.internal" },
		"unknown driver":     func(c *flagsData) { c.DBDriver = "sqlite" },
		"protocol in listen": func(c *flagsData) { c.APIListen = []string{"http://127.0.0.1"} },
		"amount places":      func(c *flagsData) { c.AmountPlace = 19 },
	} {
		cfg = newFlags()
		mod(cfg)
		if _, err = buildConfig(cfg); err == nil {
			t.Errorf("%s: no error", name)
		}
	}
}
