// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/wait"
	"lendex.org/lendex/server/comms"
	"lendex.org/lendex/server/db/driver/badgerdb"
	"lendex.org/lendex/server/db/driver/pg"
	"lendex.org/lendex/server/kyc"
	"lendex.org/lendex/server/lendex"
	"lendex.org/lendex/server/loan"
	"lendex.org/lendex/server/matcher"
	"lendex.org/lendex/server/notify"
)

const (
	defaultConfigFilename   = "lendexd.conf"
	defaultLogFilename      = "lendexd.log"
	defaultAPICertFilename  = "api.cert"
	defaultAPIKeyFilename   = "api.key"
	defaultAdminCertName    = "admin.cert"
	defaultAdminKeyName     = "admin.key"
	defaultDataDirname      = "data"
	defaultBadgerDirname    = "badger"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultMaxLogZips       = 16
	defaultPGHost           = "127.0.0.1:5432"
	defaultPGUser           = "lendex"
	defaultPGDBName         = "lendex"
	defaultPGQueryTimeout   = 20 * time.Minute
	defaultAPIHost          = "127.0.0.1"
	defaultAPIPort          = "7480"
	defaultAdminSrvAddr     = "127.0.0.1:7481"
	defaultKafkaTopic       = "lendex-events"
	defaultRetryAttempts    = 8
	defaultRetryBase        = 5 * time.Millisecond
	defaultRetryMax         = 500 * time.Millisecond
	defaultIPRate           = 5
	defaultIPBurst          = 20
	defaultMaxOfferAge      = 30 * 24 * time.Hour
	defaultMinimumOffer     = "1"
	defaultHousekeepingIntv = lendex.DefaultHousekeepingInterval
)

var (
	defaultAppDataDir = dcrutil.AppDataDir("lendexd", false)
)

type procOpts struct {
	HTTPProfile bool
	CPUProfile  string
}

// lendexConf is the data that is required to setup the engine and the admin
// server.
type lendexConf struct {
	Lendex       *lendex.Config
	AdminSrvOn   bool
	AdminSrvAddr string
	AdminSrvPW   []byte
	AdminCert    string
	AdminKey     string
	Amounts      comms.Amounts
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, optionally per subsystem, e.g. info,MTCH=trace. Use show to list the subsystems."`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	APIListen   []string      `long:"apilisten" description:"IP addresses on which the API server should listen for incoming connections"`
	APITLS      bool          `long:"apitls" description:"Serve the API over TLS. Otherwise TLS is expected to be terminated by a gateway."`
	APICert     string        `long:"apicert" description:"API server TLS certificate file"`
	APIKey      string        `long:"apikey" description:"API server TLS private key file"`
	AltDNSNames []string      `long:"altdnsnames" description:"A list of hostnames to include in the generated API certificate (X509v3 Subject Alternative Name)"`
	IPRate      float64       `long:"iprate" description:"Sustained API requests per second allowed from one IP address"`
	IPBurst     int           `long:"ipburst" description:"API request burst allowed from one IP address"`
	MaxClients  int           `long:"maxwsclients" description:"Maximum number of websocket connections"`
	AmountPlace int32         `long:"amountplaces" description:"Decimal places of wire amounts, i.e. the number of atoms per currency unit is 10^amountplaces"`
	HoldPeriod  time.Duration `long:"holdperiod" description:"Age at which an offer can be matched, and the delay from a match to its withdrawal"`

	MinimumOffer    string        `long:"minoffer" description:"Smallest offer amount, in currency units"`
	MaxOfferAge     time.Duration `long:"maxofferage" description:"Age at which pending offers are expired. 0 disables expiry."`
	ProposalTimeout time.Duration `long:"proposaltimeout" description:"Age at which an uncommitted match proposal is abandoned"`
	Housekeeping    time.Duration `long:"housekeeping" description:"Interval of the offer expiry, match promotion and proposal recovery pass"`
	RetryAttempts   int           `long:"retryattempts" description:"Attempts for operations that lose a concurrent update or find the store unavailable"`
	RetryBase       time.Duration `long:"retrybase" description:"Delay before the first retry. The delay doubles on each retry."`
	RetryMax        time.Duration `long:"retrymax" description:"Largest delay between retries"`
	KYCLimits       string        `long:"kyclimits" description:"Largest offer amount in atoms per KYC level, e.g. 1:100000,2:10000000. Empty disables KYC limits."`

	RedisAddr   string        `long:"redis" description:"Redis host:port or redis:// URL for the KYC level cache. Empty disables the cache."`
	KYCCacheTTL time.Duration `long:"kyccachettl" description:"Lifetime of cached KYC levels"`

	KafkaBrokers []string `long:"kafkabroker" description:"Kafka broker host:port for event publishing. May be repeated. Empty disables publishing."`
	KafkaTopic   string   `long:"kafkatopic" description:"Kafka topic for events"`

	AdminSrvOn   bool   `long:"adminsrvon" description:"Turn on the admin server."`
	AdminSrvAddr string `long:"adminsrvaddr" description:"Administration HTTPS server address (default: 127.0.0.1:7481)."`
	AdminSrvPW   string `long:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary."`
	AdminCert    string `long:"admincert" description:"Admin server TLS certificate file"`
	AdminKey     string `long:"adminkey" description:"Admin server TLS private key file"`

	HTTPProfile bool   `long:"httpprof" short:"p" description:"Start HTTP profiler."`
	CPUProfile  string `long:"cpuprofile" description:"File for CPU profiling."`

	DBDriver       string        `long:"dbdriver" choice:"badger" choice:"pg" description:"Database driver."`
	PGDBName       string        `long:"pgdbname" description:"PostgreSQL DB name."`
	PGUser         string        `long:"pguser" description:"PostgreSQL DB user."`
	PGPass         string        `long:"pgpass" description:"PostgreSQL DB password."`
	PGHost         string        `long:"pghost" description:"PostgreSQL server host:port or UNIX socket (e.g. /run/postgresql)."`
	PGQueryTimeout time.Duration `long:"pgquerytimeout" description:"Timeout of individual PostgreSQL queries."`
	HidePGConfig   bool          `long:"hidepgconfig" description:"Blocks logging of the PostgreSQL db configuration on system start up."`
}

func defaultFlags() flagsData {
	return flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile, LogDir, and DataDir are set relative to
		// AppDataDir. They are not to be set here.
		MaxLogZips:      defaultMaxLogZips,
		APICert:         defaultAPICertFilename,
		APIKey:          defaultAPIKeyFilename,
		IPRate:          defaultIPRate,
		IPBurst:         defaultIPBurst,
		MaxClients:      comms.DefaultMaxClients,
		AmountPlace:     comms.DefaultAmountPlaces,
		HoldPeriod:      loan.HoldPeriod,
		MinimumOffer:    defaultMinimumOffer,
		MaxOfferAge:     defaultMaxOfferAge,
		ProposalTimeout: matcher.DefaultProposalTimeout,
		Housekeeping:    defaultHousekeepingIntv,
		RetryAttempts:   defaultRetryAttempts,
		RetryBase:       defaultRetryBase,
		RetryMax:        defaultRetryMax,
		KYCCacheTTL:     kyc.DefaultTTL,
		KafkaTopic:      defaultKafkaTopic,
		AdminSrvAddr:    defaultAdminSrvAddr,
		AdminCert:       defaultAdminCertName,
		AdminKey:        defaultAdminKeyName,
		DebugLevel:      defaultLogLevel,
		DBDriver:        badgerdb.DriverName,
		PGDBName:        defaultPGDBName,
		PGUser:          defaultPGUser,
		PGHost:          defaultPGHost,
		PGQueryTimeout:  defaultPGQueryTimeout,
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string
	if path == "" {
		return ""
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*dex.LoggerMaker, error) {
	lm, err := dex.NewLoggerMaker(backendLog, debugLevel)
	if err != nil {
		return nil, err
	}
	setLogLevels(lm.DefaultLevel)
	for subsysID, lvl := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return nil, fmt.Errorf(str, subsysID, supportedSubsystems())
		}
		setLogLevel(subsysID, lvl)
	}
	return lm, nil
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that include
// a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("Address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return net.JoinHostPort(defaultHost, defaultPort), nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("Unable to address %s after port resolution: %v", normalized, err)
			}
		} else {
			return a, fmt.Errorf("Unable to normalize address %s: %v", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port), nil
}

// pgConfig splits the host setting into host and port. UNIX socket paths have
// no port.
func pgConfig(cfg *flagsData) (*pg.Config, error) {
	host, port := cfg.PGHost, ""
	if !strings.HasPrefix(host, "/") {
		var err error
		host, port, err = net.SplitHostPort(cfg.PGHost)
		if err != nil {
			return nil, fmt.Errorf("invalid DB host %q: %v", cfg.PGHost, err)
		}
	}
	return &pg.Config{
		Host:         host,
		Port:         port,
		User:         cfg.PGUser,
		Pass:         cfg.PGPass,
		DBName:       cfg.PGDBName,
		HidePGConfig: cfg.HidePGConfig,
		QueryTimeout: cfg.PGQueryTimeout,
	}, nil
}

// absPath cleans and expands the path, prepending the appdata directory if it
// is relative.
func absPath(appData, path string) string {
	path = cleanAndExpandPath(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(appData, path)
	}
	return path
}

// buildConfig validates the parsed flags and creates the engine configuration.
// The logging configuration is not touched.
func buildConfig(cfg *flagsData) (*lendexConf, error) {
	amounts := comms.Amounts{Places: cfg.AmountPlace}
	if cfg.AmountPlace < 0 || cfg.AmountPlace > 18 {
		return nil, fmt.Errorf("amountplaces %d out of range 0 to 18", cfg.AmountPlace)
	}
	minDec, err := decimal.NewFromString(cfg.MinimumOffer)
	if err != nil {
		return nil, fmt.Errorf("invalid minoffer %q: %v", cfg.MinimumOffer, err)
	}
	minOffer, err := amounts.ToAtoms(minDec)
	if err != nil {
		return nil, fmt.Errorf("invalid minoffer: %w", err)
	}
	if cfg.HoldPeriod <= 0 {
		return nil, fmt.Errorf("holdperiod must be positive")
	}
	if cfg.MaxOfferAge < 0 {
		return nil, fmt.Errorf("maxofferage must not be negative")
	}

	var limits kyc.Limits
	if cfg.KYCLimits != "" {
		if limits, err = kyc.ParseLimits(cfg.KYCLimits); err != nil {
			return nil, err
		}
	}

	dbConf := &lendex.DBConf{Driver: cfg.DBDriver}
	switch cfg.DBDriver {
	case badgerdb.DriverName:
		dbConf.Badger.Path = filepath.Join(cfg.DataDir, defaultBadgerDirname)
	case pg.DriverName:
		pgCfg, err := pgConfig(cfg)
		if err != nil {
			return nil, err
		}
		dbConf.PG = *pgCfg
	default:
		return nil, fmt.Errorf("unknown dbdriver %q", cfg.DBDriver)
	}

	// Validate each API listen host:port.
	apiListen := make([]string, 0, len(cfg.APIListen))
	if len(cfg.APIListen) == 0 {
		apiListen = append(apiListen, defaultAPIHost+":"+defaultAPIPort)
	}
	for _, addr := range cfg.APIListen {
		listen, err := normalizeNetworkAddress(addr, defaultAPIHost, defaultAPIPort)
		if err != nil {
			return nil, err
		}
		apiListen = append(apiListen, listen)
	}

	var tlsConfig *tls.Config
	if cfg.APITLS {
		if tlsConfig, err = comms.TLSConfig(absPath(cfg.AppDataDir, cfg.APICert),
			absPath(cfg.AppDataDir, cfg.APIKey), cfg.AltDNSNames); err != nil {
			return nil, err
		}
	}

	var kafkaCfg *notify.KafkaConfig
	if len(cfg.KafkaBrokers) > 0 {
		kafkaCfg = &notify.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}
	}

	return &lendexConf{
		Lendex: &lendex.Config{
			DB: dbConf,
			Comms: &comms.Config{
				ListenAddrs: apiListen,
				TLS:         tlsConfig,
				Amounts:     amounts,
				IPRate:      rate.Limit(cfg.IPRate),
				IPBurst:     cfg.IPBurst,
			},
			MaxWSClients: cfg.MaxClients,
			Backoff: wait.Backoff{
				Attempts: cfg.RetryAttempts,
				Base:     cfg.RetryBase,
				Max:      cfg.RetryMax,
			},
			HoldPeriod:           cfg.HoldPeriod,
			MinimumOffer:         minOffer,
			MaxOfferAge:          cfg.MaxOfferAge,
			ProposalTimeout:      cfg.ProposalTimeout,
			HousekeepingInterval: cfg.Housekeeping,
			KYCLimits:            limits,
			RedisAddr:            cfg.RedisAddr,
			KYCCacheTTL:          cfg.KYCCacheTTL,
			Kafka:                kafkaCfg,
		},
		AdminSrvOn:   cfg.AdminSrvOn,
		AdminSrvAddr: cfg.AdminSrvAddr,
		AdminSrvPW:   []byte(cfg.AdminSrvPW),
		AdminCert:    absPath(cfg.AppDataDir, cfg.AdminCert),
		AdminKey:     absPath(cfg.AppDataDir, cfg.AdminKey),
		Amounts:      amounts,
	}, nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig() (*lendexConf, *procOpts, error) {
	loadConfigError := func(err error) (*lendexConf, *procOpts, error) {
		return nil, nil, err
	}

	// Default config
	cfg := defaultFlags()

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// If a non-default appdata folder is specified on the command line, it may
	// be necessary adjust the config file location. If the the config file
	// location was not specified on the command line, the default location
	// should be under the non-default appdata directory. However, if the config
	// file was specified on the command line, it should be used regardless of
	// the appdata directory.
	if preCfg.AppDataDir != "" {
		// appdata was set on the command line. If it is not absolute, make it
		// relative to cwd.
		cfg.AppDataDir, err = filepath.Abs(cleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to determine working directory: %v", err)
			os.Exit(1)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else {
		preCfg.ConfigFile = absPath(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	// Do not error default config file is missing.
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			fmt.Fprintln(os.Stderr, err)
			return loadConfigError(err)
		}
		// Warn about missing default config file, but continue.
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		// The config file exists, so attempt to parse it.
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintln(os.Stderr, err)
				parser.WriteHelp(os.Stderr)
				return loadConfigError(err)
			}
			configFileError = err
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	// Warn about missing config file after the final command line parse
	// succeeds. This prevents the warning on help messages and invalid options.
	if configFileError != nil {
		fmt.Printf("%v\n", configFileError)
		return loadConfigError(configFileError)
	}

	// Create the app data directory if it doesn't already exist.
	err = os.MkdirAll(cfg.AppDataDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is linked to a
		// directory that does not exist (probably because it's not mounted).
		if e, ok := err.(*os.PathError); ok && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		err := fmt.Errorf("failed to create home directory: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}

	// If datadir or logdir are defaults or non-default relative paths, prepend
	// the appdata directory.
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDirname
	}
	cfg.DataDir = absPath(cfg.AppDataDir, cfg.DataDir)
	if cfg.LogDir == "" {
		cfg.LogDir = defaultLogDirname
	}
	cfg.LogDir = absPath(cfg.AppDataDir, cfg.LogDir)

	// Create the data folder if it does not exist.
	err = os.MkdirAll(cfg.DataDir, 0700)
	if err != nil {
		return loadConfigError(err)
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Data folder:     %s", cfg.DataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	// Parse, validate, and set debug log level(s).
	if _, err = parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	lendexCfg, err := buildConfig(&cfg)
	if err != nil {
		return loadConfigError(err)
	}

	opts := &procOpts{
		CPUProfile:  cfg.CPUProfile,
		HTTPProfile: cfg.HTTPProfile,
	}

	return lendexCfg, opts, nil
}
