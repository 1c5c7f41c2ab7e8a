package cli

import (
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/raydienull/subsystem-ice/internal/agent"
	"github.com/raydienull/subsystem-ice/internal/filter"
	"github.com/raydienull/subsystem-ice/internal/reload"
	"github.com/raydienull/subsystem-ice/internal/session"
	"github.com/raydienull/subsystem-ice/internal/signaling"
)

func parseFilteringRules(v *viper.Viper, parentLogger *zap.Logger, key string) (*filter.List, error) {
	l := parentLogger.Named(key)
	type rawRuleItem struct {
		Net    string `mapstructure:"net"`
		Action string `mapstructure:"action"`
	}
	var rawRules []rawRuleItem
	if keyErr := v.UnmarshalKey("filter."+key+".rules", &rawRules); keyErr != nil {
		l.Error("failed to parse rules", zap.Error(keyErr))
		return nil, keyErr
	}
	var rules []filter.Rule
	for _, rawRule := range rawRules {
		var action filter.Action
		switch strings.ToLower(rawRule.Action) {
		case "allow":
			action = filter.Allow
		case "drop", "forbid", "deny", "block":
			action = filter.Deny
		case "pass", "none", "":
			action = filter.Pass
		default:
			l.Error("failed to parse action", zap.String("action", rawRule.Action))
			return nil, errors.Errorf("unknown action %s", rawRule.Action)
		}
		rule, ruleErr := filter.StaticNetRule(action, rawRule.Net)
		if ruleErr != nil {
			l.Error("failed to parse subnet",
				zap.Error(ruleErr), zap.String("net", rawRule.Net),
			)
			return nil, ruleErr
		}
		l.Info("added rule",
			zap.Stringer("action", action),
			zap.String("net", rawRule.Net),
		)
		rules = append(rules, rule)
	}
	defaultAction := filter.Allow
	switch strings.ToLower(v.GetString("filter." + key + ".action")) {
	case "allow", "":
		// Same as default.
	case "drop", "forbid", "deny", "block":
		defaultAction = filter.Deny
	case "pass", "none":
		return nil, errors.New("default action cannot be pass")
	default:
		return nil, errors.New("unknown default action")
	}
	l.Info("default action set", zap.Stringer("action", defaultAction))
	return filter.NewFilter(defaultAction, rules...), nil
}

func parseAgentConfig(v *viper.Viper, l *zap.Logger) (agent.Config, error) {
	cfg := agent.Config{
		STUNServers:  v.GetStringSlice("agent.stun"),
		TURNServers:  v.GetStringSlice("agent.turn"),
		TURNUsername: v.GetString("agent.turn_username"),
		TURNPassword: v.GetString("agent.turn_password"),
		EnableIPv6:   v.GetBool("agent.ipv6"),
		HostAddress:  v.GetString("agent.host_address"),
	}
	filterLog := l.Named("filter")
	var parseErr error
	if cfg.RemoteRule, parseErr = parseFilteringRules(v, filterLog, "remote"); parseErr != nil {
		return cfg, parseErr
	}
	if cfg.LocalRule, parseErr = parseFilteringRules(v, filterLog, "local"); parseErr != nil {
		return cfg, parseErr
	}
	if len(cfg.TURNServers) > 0 && (cfg.TURNUsername == "" || cfg.TURNPassword == "") {
		l.Warn("TURN servers configured without credentials, relay gathering will be skipped")
	}
	return cfg, nil
}

func runPeer(v *viper.Viper, l *zap.Logger, hostName string, join bool) error {
	if strings.Split(v.GetString("version"), ".")[0] != "1" {
		l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
	}
	agentCfg, err := parseAgentConfig(v, l)
	if err != nil {
		return err
	}
	reg := prometheus.NewPedanticRegistry()
	if prometheusAddr := v.GetString("server.prometheus.addr"); prometheusAddr != "" {
		agentCfg.Metrics = agent.NewPromMetrics(prometheus.Labels{})
		if regErr := reg.Register(agentCfg.Metrics); regErr != nil {
			l.Error("failed to register metrics", zap.Error(regErr))
		}
		l.Warn("running prometheus metrics", zap.String("addr", prometheusAddr))
		go func() {
			promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
				ErrorLog:      zap.NewStdLog(l),
				ErrorHandling: promhttp.HTTPErrorOnError,
			})
			if listenErr := http.ListenAndServe(prometheusAddr, promHandler); listenErr != nil {
				l.Error("prometheus failed to listen",
					zap.String("addr", prometheusAddr),
					zap.Error(listenErr),
				)
			}
		}()
	}
	if pprofAddr := v.GetString("server.pprof"); pprofAddr != "" {
		l.Warn("running pprof", zap.String("addr", pprofAddr))
		go func() {
			pprofMux := http.NewServeMux()
			pprofMux.HandleFunc("/debug/pprof/", pprof.Index)
			pprofMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			pprofMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			pprofMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			pprofMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			if listenErr := http.ListenAndServe(pprofAddr, pprofMux); listenErr != nil {
				l.Error("pprof failed to listen",
					zap.String("addr", pprofAddr),
					zap.Error(listenErr),
				)
			}
		}()
	}

	sig := signaling.NewFS(l.Named("signaling"), v.GetString("signaling.dir"))
	if err = sig.Init(); err != nil {
		return err
	}
	defer sig.Shutdown()
	mgr := session.NewManager(l.Named("session"), sig, agentCfg)

	// SIGUSR2 re-reads the configuration and applies it to
	// subsequently created agents.
	n := reload.NewNotifier(l.Named("reload"))
	go func() {
		for range n.C {
			l.Info("trying to update config")
			if readErr := v.ReadInConfig(); readErr != nil {
				l.Error("failed to read config", zap.Error(readErr))
				continue
			}
			newCfg, parseErr := parseAgentConfig(v, l)
			if parseErr != nil {
				l.Error("failed to parse config", zap.Error(parseErr))
				continue
			}
			newCfg.Metrics = agentCfg.Metrics
			mgr.UpdateAgentConfig(newCfg)
			l.Info("config updated")
		}
	}()

	if hostName != "" {
		if _, createErr := mgr.Create(hostName); createErr != nil {
			return createErr
		}
	}

	interval := v.GetDuration("tick.interval")
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	joined := false
	last := time.Now()
	for {
		select {
		case <-stop:
			l.Info("shutting down")
			return nil
		case now := <-ticker.C:
			mgr.Tick(now.Sub(last))
			last = now
			if join && !joined {
				if found := mgr.Find(); len(found) > 0 {
					if joinErr := mgr.Join(found[0].ID); joinErr != nil {
						l.Error("failed to join", zap.Error(joinErr))
					} else {
						joined = true
					}
				}
			}
		}
	}
}

func getRoot(v *viper.Viper) *cobra.Command {
	var (
		hostName string
		join     bool
	)
	rootCmd := &cobra.Command{
		Use:   "ice-agent",
		Short: "NAT traversal agent peer",
		Run: func(cmd *cobra.Command, args []string) {
			initConfig(v)
			l := getLogger(v)
			if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
				l.Info("config file used", zap.String("path", cfgPath))
			} else {
				l.Info("default configuration used")
			}
			if err := runPeer(v, l, hostName, join); err != nil {
				l.Fatal("failed to run", zap.Error(err))
			}
		},
	}
	rootCmd.Flags().StringVar(&hostName, "host", "", "host a session with provided name")
	rootCmd.Flags().BoolVar(&join, "join", false, "join the first discovered session")
	rootCmd.PersistentFlags().StringVar(&cfgFile,
		"config", "", "config file (default is ice-agent.yml)",
	)
	rootCmd.AddCommand(getKeyCmd())
	return rootCmd
}
