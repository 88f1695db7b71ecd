package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/mmkash-web/wireguard/pkg/api"
	"github.com/mmkash-web/wireguard/pkg/db"
	"github.com/mmkash-web/wireguard/pkg/fleet"
	"github.com/mmkash-web/wireguard/pkg/ipalloc"
	"github.com/mmkash-web/wireguard/pkg/keys"
	"github.com/mmkash-web/wireguard/pkg/mikrotik"
	"github.com/mmkash-web/wireguard/pkg/model"
	"github.com/mmkash-web/wireguard/pkg/probe"
	"github.com/mmkash-web/wireguard/pkg/routeros"
	"github.com/mmkash-web/wireguard/pkg/source"
	"github.com/mmkash-web/wireguard/pkg/version"
	"github.com/mmkash-web/wireguard/pkg/wgconf"
	"github.com/mmkash-web/wireguard/pkg/wireguard"
)

const usage = `wg-fleet manages the WireGuard peer fleet on this gateway.

Usage:
  wg-fleet add <name> <publicKey> [address]   add a peer, auto-assigning an address when omitted
  wg-fleet remove <name>                      remove a peer from config and record stores
  wg-fleet list                               print the merged fleet view
  wg-fleet sync <name>                        probe one peer and write its health back
  wg-fleet check <name>                       query a MikroTik peer over its REST API
  wg-fleet status                             probe the whole fleet and print the aggregate
  wg-fleet script <name>                      print the RouterOS provisioning script for a peer
  wg-fleet conf <name>                        print a wg-quick client config for a peer
  wg-fleet genkey                             generate a WireGuard keypair
  wg-fleet serve                              run the HTTP API
  wg-fleet version                            print the build identifier

Exit codes: 0 success, 1 failed, 2 completed with warnings.

Env: WG_CONF, WG_IFACE, VPN_CIDR, VPN_GATEWAY, API_PORT,
PRIMARY_STORE (mysql|none), SECONDARY_STORE (sqlite|consul|none),
SQLITE_PATH, CONSUL_ADDR, MYSQL_* (see docs), API_TOKEN.`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "add":
		os.Exit(cmdAdd(args))
	case "remove":
		os.Exit(cmdRemove(args))
	case "list":
		os.Exit(cmdList(args))
	case "sync":
		os.Exit(cmdSync(args))
	case "check":
		os.Exit(cmdCheck(args))
	case "status":
		os.Exit(cmdStatus(args))
	case "script":
		os.Exit(cmdScript(args))
	case "conf":
		os.Exit(cmdConf(args))
	case "genkey":
		os.Exit(cmdGenkey())
	case "serve":
		os.Exit(cmdServe(args))
	case "version":
		fmt.Println(version.Build)
	case "-h", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// buildFleet assembles the service from env config. Unreachable record
// stores degrade with a warning; only a broken pool or config path is
// fatal. The returned gorm handle is nil when MySQL is disabled or down.
func buildFleet(noReload bool) (*fleet.Service, *gorm.DB) {
	confPath := getenv("WG_CONF", "/etc/wireguard/wg0.conf")
	iface := getenv("WG_IFACE", "wg0")
	cidr := getenv("VPN_CIDR", "10.10.0.0/24")
	gateway := getenv("VPN_GATEWAY", "10.10.0.1")
	apiPort, _ := strconv.Atoi(getenv("API_PORT", "8728"))

	pool, err := ipalloc.New(cidr, gateway)
	if err != nil {
		log.Fatalf("invalid address pool %s gateway %s: %v", cidr, gateway, err)
	}

	var reload wgconf.Reloader
	if !noReload {
		reload = wgconf.ExecReloader{}
	}
	conf := wgconf.New(confPath, iface, reload)

	sources := []source.RecordSource{}
	var gdb *gorm.DB
	if getenv("PRIMARY_STORE", "mysql") == "mysql" {
		var err error
		if gdb, err = db.Init(); err != nil {
			log.Printf("warning: mysql store unavailable: %v", err)
			gdb = nil
		} else {
			sources = append(sources, source.NewMySQL(gdb))
		}
	}
	switch getenv("SECONDARY_STORE", "sqlite") {
	case "sqlite":
		sources = append(sources, source.NewSQLite(getenv("SQLITE_PATH", "/var/lib/wg-fleet/state.db")))
	case "consul":
		sources = append(sources, source.NewConsul(getenv("CONSUL_ADDR", "127.0.0.1:8500")))
	case "none":
	default:
		log.Fatalf("unsupported SECONDARY_STORE %q", os.Getenv("SECONDARY_STORE"))
	}
	sources = append(sources, source.NewWGConfig(conf))

	pr := probe.New(probe.SystemPinger{FallbackPort: apiPort}, probe.NetDialer{})
	return fleet.New(pool, conf, source.NewRegistry(sources...), pr, fleet.Options{APIPort: apiPort}), gdb
}

// exitCode maps an operation result onto the CLI contract.
func exitCode(res model.OpResult) int {
	for _, w := range res.Warnings {
		log.Printf("warning: %s", w)
	}
	if !res.Ok() {
		log.Printf("failed at %s: %s", res.FailedAt, res.Reason)
		return 1
	}
	if len(res.Warnings) > 0 {
		return 2
	}
	return 0
}

func cmdAdd(args []string) int {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	noReload := fs.Bool("no-reload", false, "skip the wg-quick interface cycle")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 2 || len(rest) > 3 {
		log.Print("usage: wg-fleet add <name> <publicKey> [address]")
		return 1
	}
	name, publicKey := rest[0], rest[1]
	address := ""
	if len(rest) == 3 {
		address = rest[2]
	}
	if !keys.ValidPublicKey(publicKey) {
		log.Printf("invalid public key %q", publicKey)
		return 1
	}

	svc, _ := buildFleet(*noReload)
	res := svc.AddPeer(context.Background(), name, publicKey, address)
	if res.Ok() {
		log.Printf("peer %s added with address %s", res.Name, res.Address)
	}
	return exitCode(res)
}

func cmdRemove(args []string) int {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	noReload := fs.Bool("no-reload", false, "skip the wg-quick interface cycle")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		log.Print("usage: wg-fleet remove <name>")
		return 1
	}

	svc, _ := buildFleet(*noReload)
	res := svc.RemovePeer(context.Background(), fs.Arg(0))
	if res.Ok() {
		log.Printf("peer %s removed", res.Name)
	}
	return exitCode(res)
}

func cmdList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	activeOnly := fs.Bool("active", false, "only active peers")
	_ = fs.Parse(args)

	svc, _ := buildFleet(true)
	peers, warnings := svc.Registry().Merge(context.Background(), source.Filter{
		VPNType:    model.VPNTypeWireGuard,
		ActiveOnly: *activeOnly,
	})
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(peers)
	} else {
		fmt.Printf("%-24s %-16s %-10s %s\n", "NAME", "ADDRESS", "SOURCE", "PUBLIC KEY")
		for _, p := range peers {
			fmt.Printf("%-24s %-16s %-10s %s\n", p.Name, p.Address, p.Source, p.PublicKey)
		}
	}
	if len(warnings) > 0 {
		return 2
	}
	return 0
}

func cmdSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		log.Print("usage: wg-fleet sync <name>")
		return 1
	}

	svc, _ := buildFleet(true)
	res := svc.SyncPeer(context.Background(), fs.Arg(0))
	if res.Ok() {
		log.Printf("peer %s is up", res.Name)
	}
	return exitCode(res)
}

// cmdCheck talks to the device management API directly, beyond the
// reachability probe that sync does.
func cmdCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	user := fs.String("user", getenv("ROUTEROS_USER", "admin"), "RouterOS API username")
	pass := fs.String("pass", os.Getenv("ROUTEROS_PASS"), "RouterOS API password")
	port := fs.Int("port", routeros.DefaultRESTPort, "RouterOS REST port")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		log.Print("usage: wg-fleet check <name>")
		return 1
	}
	name := fs.Arg(0)

	svc, _ := buildFleet(true)
	peers, _ := svc.Registry().Merge(context.Background(), source.Filter{VPNType: model.VPNTypeWireGuard})
	for _, p := range peers {
		if p.Name != name {
			continue
		}
		if p.Address == "" {
			log.Printf("peer %s has no address assigned", name)
			return 1
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		st, err := routeros.New(*timeout).CheckStatus(ctx, p.Address, *port, routeros.Credentials{
			Username: *user,
			Secret:   *pass,
		})
		if err != nil {
			log.Printf("device check failed: %v", err)
			return 1
		}
		fmt.Printf("identity=%s version=%s platform=%s uptime=%s\n", st.Identity, st.Version, st.Platform, st.Uptime)
		return 0
	}
	log.Printf("peer %s not found", name)
	return 1
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	_ = fs.Parse(args)

	svc, _ := buildFleet(true)
	status, warnings := svc.AggregateStatus(context.Background())
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
	} else {
		fmt.Printf("total=%d online=%d offline=%d\n", status.Total, status.Online, status.Offline)
		for _, ps := range status.Peers {
			state := "up"
			if !ps.Probe.Reachable {
				state = "down (" + ps.Probe.Reason + ")"
			} else if !ps.Probe.APIAccessible {
				state = "up, api unreachable"
			}
			fmt.Printf("%-24s %-16s %s\n", ps.Peer.Name, ps.Peer.Address, state)
		}
	}
	if len(warnings) > 0 {
		return 2
	}
	return 0
}

func cmdScript(args []string) int {
	fs := flag.NewFlagSet("script", flag.ExitOnError)
	serverKey := fs.String("server-key", os.Getenv("WG_SERVER_PUBLIC_KEY"), "gateway WireGuard public key")
	endpoint := fs.String("endpoint", os.Getenv("WG_SERVER_ENDPOINT"), "public endpoint address of this gateway")
	listenPort := fs.Int("listen-port", 51820, "gateway WireGuard listen port")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		log.Print("usage: wg-fleet script <name>")
		return 1
	}
	name := fs.Arg(0)

	svc, _ := buildFleet(true)
	peers, _ := svc.Registry().Merge(context.Background(), source.Filter{VPNType: model.VPNTypeWireGuard})
	for _, p := range peers {
		if p.Name != name {
			continue
		}
		script, err := mikrotik.RenderScript(p, mikrotik.ServerInfo{
			PublicKey: *serverKey,
			Endpoint:  *endpoint,
			Port:      *listenPort,
			Gateway:   getenv("VPN_GATEWAY", "10.10.0.1"),
			APIPort:   svc.APIPort(),
		})
		if err != nil {
			log.Printf("script render failed: %v", err)
			return 1
		}
		fmt.Print(script)
		return 0
	}
	log.Printf("peer %s not found", name)
	return 1
}

func cmdConf(args []string) int {
	fs := flag.NewFlagSet("conf", flag.ExitOnError)
	serverKey := fs.String("server-key", os.Getenv("WG_SERVER_PUBLIC_KEY"), "gateway WireGuard public key")
	endpoint := fs.String("endpoint", os.Getenv("WG_SERVER_ENDPOINT"), "public endpoint address of this gateway")
	listenPort := fs.Int("listen-port", 51820, "gateway WireGuard listen port")
	dns := fs.String("dns", "", "DNS server to push to the client (optional)")
	privKey := fs.String("private-key", "", "client private key (placeholder emitted when omitted)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		log.Print("usage: wg-fleet conf <name>")
		return 1
	}
	name := fs.Arg(0)

	svc, _ := buildFleet(true)
	peers, _ := svc.Registry().Merge(context.Background(), source.Filter{VPNType: model.VPNTypeWireGuard})
	for _, p := range peers {
		if p.Name != name {
			continue
		}
		conf, err := wireguard.RenderClientConfig(p, wireguard.Server{
			PublicKey: *serverKey,
			Endpoint:  *endpoint,
			Port:      *listenPort,
			DNS:       *dns,
		}, *privKey)
		if err != nil {
			log.Printf("config render failed: %v", err)
			return 1
		}
		fmt.Print(conf)
		return 0
	}
	log.Printf("peer %s not found", name)
	return 1
}

func cmdGenkey() int {
	kp, err := keys.NewKeypair()
	if err != nil {
		log.Printf("keypair generation failed: %v", err)
		return 1
	}
	fmt.Printf("private key: %s\npublic key:  %s\n", kp.PrivateKey, kp.PublicKey)
	return 0
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", getenv("LISTEN_ADDR", ":8080"), "listen address")
	token := fs.String("token", os.Getenv("API_TOKEN"), "static API token (empty disables auth)")
	tlsCert := fs.String("tls-cert", "", "TLS cert path (enables HTTPS if set with --tls-key)")
	tlsKey := fs.String("tls-key", "", "TLS key path (enables HTTPS if set with --tls-cert)")
	wsInterval := fs.Duration("ws-interval", 30*time.Second, "status broadcast interval for websocket subscribers")
	_ = fs.Parse(args)

	svc, gdb := buildFleet(false)
	hub := api.NewStatusHub(svc, *wsInterval)
	server := &api.Server{Fleet: svc, Hub: hub, Token: *token}

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	if gdb != nil {
		(&api.AuthHandler{DB: gdb}).RegisterRoutes(mux)
	} else {
		log.Print("auth endpoints disabled, no mysql database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("wg-fleet api listening on %s (build %s)", *addr, version.Build)
	var err error
	if *tlsCert != "" && *tlsKey != "" {
		cfg, errTLS := api.ServerTLSConfig(*tlsCert, *tlsKey)
		if errTLS != nil {
			log.Printf("failed to build TLS config: %v", errTLS)
			return 1
		}
		srv.TLSConfig = cfg
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	log.Printf("server error: %v", err)
	return 1
}
