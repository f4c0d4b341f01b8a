// Command nearbyd runs a standalone nearby-connections session: it loads a
// config file, advertises and discovers on the configured mediums, accepts
// every incoming connection, and logs payload traffic, the way
// talek/frontend/main.go wires a flag-configured server up and runs it
// until SIGINT.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nearbycore/connections/internal/config"
	"github.com/nearbycore/connections/internal/crypto"
	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/medium/quiclan"
	"github.com/nearbycore/connections/internal/metrics"
	"github.com/nearbycore/connections/internal/pcp"
	"github.com/nearbycore/connections/internal/session"
)

var log = logging.MustGetLogger("nearbyd")

func main() {
	var (
		configPath = flag.String("config", "nearbyd.toml", "session configuration file")
		serviceID  = flag.String("service", "nearbyd", "service id to advertise and discover under")
		localID    = flag.String("id", "", "this device's endpoint id (random if empty)")
		showVer    = flag.Bool("version", false, "print build version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(versioninfo.Short())
		return
	}

	backend := logging.NewLogBackend(os.Stderr, "", 0)
	logging.SetBackend(backend)

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Warningf("using default configuration: %v", err)
		cfg = config.Default()
	}

	id := *localID
	if id == "" {
		id = randomEndpointID()
	}

	identity, err := crypto.NewIdentity()
	if err != nil {
		log.Fatalf("generate identity: %v", err)
	}

	mediums, upgradeMediums := buildMediums(cfg)

	sess, err := session.New(id, cfg, identity, mediums, upgradeMediums)
	if err != nil {
		log.Fatalf("start session: %v", err)
	}
	defer sess.Stop()

	if cfg.MetricsListenAddr != "" {
		go serveMetrics(cfg.MetricsListenAddr)
	}

	connListener := &loggingConnectionListener{}
	discListener := &loggingDiscoveryListener{}

	if status := sess.StartAdvertising(*serviceID, []byte(id), connListener); status != pcp.StatusSuccess {
		log.Fatalf("start advertising: %s", status)
	}
	if status := sess.StartDiscovery(*serviceID, discListener); status != pcp.StatusSuccess {
		log.Fatalf("start discovery: %s", status)
	}

	log.Infof("nearbyd running as %s on service %s", id, *serviceID)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	log.Info("shutting down")
}

// buildMediums constructs the primary and upgrade-capable medium maps this
// process drives, keyed off cfg.MediumTags. WIFI_LAN resolves to the real
// QUIC-backed driver; every other tag named in config is presently left
// unimplemented at the process level (only exercised via the loopback
// driver in tests) and is skipped with a warning.
func buildMediums(cfg *config.Config) (mediums, upgrade map[medium.Tag]medium.Medium) {
	mediums = make(map[medium.Tag]medium.Medium)
	upgrade = make(map[medium.Tag]medium.Medium)
	dir := quiclan.NewDirectory()
	for _, tag := range cfg.MediumTags() {
		switch tag {
		case medium.TagWifiLAN:
			m := quiclan.New(dir)
			mediums[tag] = m
			upgrade[tag] = m
		default:
			log.Warningf("medium %s has no standalone driver wired into nearbyd; skipping", tag)
		}
	}
	return mediums, upgrade
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	log.Infof("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics listener: %v", err)
	}
}

func randomEndpointID() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	var raw [4]byte
	rand.Read(raw[:])
	id := make([]byte, 4)
	for i, b := range raw {
		id[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(id)
}

type loggingConnectionListener struct {
	pcp.NoopConnectionListener
}

func (l *loggingConnectionListener) Initiated(endpointID, authToken string, isOutgoing bool) {
	log.Infof("connection initiated with %s (outgoing=%v, token=%s)", endpointID, isOutgoing, authToken)
}

func (l *loggingConnectionListener) Accepted(endpointID string) {
	log.Infof("connected to %s", endpointID)
}

func (l *loggingConnectionListener) Rejected(endpointID string, status pcp.Status) {
	log.Warningf("connection to %s rejected: %s", endpointID, status)
}

func (l *loggingConnectionListener) Disconnected(endpointID string) {
	log.Infof("disconnected from %s", endpointID)
}

type loggingDiscoveryListener struct {
	pcp.NoopDiscoveryListener
}

func (l *loggingDiscoveryListener) EndpointFound(endpointID string, endpointInfo []byte, serviceID string) {
	log.Infof("found endpoint %s on service %s", endpointID, serviceID)
}

func (l *loggingDiscoveryListener) EndpointLost(endpointID string) {
	log.Infof("lost endpoint %s", endpointID)
}
