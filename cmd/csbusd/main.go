// Command csbusd runs the standalone WebSocket router: the hub that
// provider and requester processes dial into when they don't share a
// process (router/wsock.Hub).
package main

import (
	"flag"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/superisaac/csfabric/cmd/cmdutil"
	"github.com/superisaac/csfabric/config"
	"github.com/superisaac/csfabric/router/wsock"
)

func startHub() {
	flagset := flag.NewFlagSet("csbusd", flag.ExitOnError)

	pBind := flagset.String("bind", "", "bind address, default is 127.0.0.1:6900")
	pPath := flagset.String("path", "/csfabric/ws", "http path the hub listens on")
	pLogfile := flagset.String("log", "", "path to log output, default is stdout")
	pYamlConfig := flagset.String("config", "", "path to csbusd config.yml")

	flagset.Parse(os.Args[1:])
	cmdutil.SetupLogger(*pLogfile)

	cfg := &config.AppConfig{}
	if *pYamlConfig != "" {
		if err := cfg.Load(*pYamlConfig); err != nil {
			log.Panicf("load config error %s", err)
		}
	}

	bind := *pBind
	if bind == "" {
		bind = cfg.Socket.Bind
	}
	if bind == "" {
		bind = "127.0.0.1:6900"
	}

	hub := wsock.NewHub()
	mux := http.NewServeMux()
	mux.Handle(*pPath, hub)

	log.Infof("csbusd listening at %s%s", bind, *pPath)
	if err := http.ListenAndServe(bind, mux); err != nil {
		log.Panicf("csbusd: %s", err)
	}
}

func main() {
	startHub()
}
