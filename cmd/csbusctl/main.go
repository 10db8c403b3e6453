// Command csbusctl is an operator CLI: it dials a running csbusd hub
// (or talks straight to Redis via router/redisbus) and issues a single
// request, status read, or signal subscription against a service,
// printing whatever comes back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"

	"github.com/superisaac/csfabric/cmd/cmdutil"
	"github.com/superisaac/csfabric/config"
	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/payload"
	"github.com/superisaac/csfabric/requester"
	"github.com/superisaac/csfabric/router/redisbus"
	"github.com/superisaac/csfabric/router/wsock"
)

func main() {
	flagset := flag.NewFlagSet("csbusctl", flag.ExitOnError)

	pTransport := flagset.String("transport", "ws", "transport to use: ws or redis")
	pConnect := flagset.String("c", "ws://127.0.0.1:6900/csfabric/ws", "hub URL (ws transport) or redis host:port (redis transport)")
	pYamlConfig := flagset.String("config", "", "path to csbusctl config.yml")
	pService := flagset.String("service", "", "target service id")
	pOp := flagset.String("op", "", "operation id")
	pAction := flagset.String("action", "request", "request | status | signal")
	pContent := flagset.String("content", "", "string content to send with a request")
	pTimeout := flagset.Duration("timeout", 5*time.Second, "request timeout")
	pLogfile := flagset.String("log", "", "path to log output, default is stdout")

	flagset.Parse(os.Args[1:])
	cmdutil.SetupLogger(*pLogfile)

	if *pService == "" || *pOp == "" {
		fmt.Fprintln(os.Stderr, "csbusctl: -service and -op are required")
		os.Exit(2)
	}

	cfg := &config.AppConfig{}
	if *pYamlConfig != "" {
		if err := cfg.Load(*pYamlConfig); err != nil {
			log.Panicf("load config error %s", err)
		}
	}

	trait := payload.NewGobTrait()
	sid := csmsg.ServiceID(*pService)
	opID := csmsg.OpID(*pOp)
	selfAddr := csmsg.Address{Host: "csbusctl", Port: uint16(os.Getpid() & 0xffff)}

	var req *requester.Requester
	var closeFn func()

	switch *pTransport {
	case "ws":
		client, err := wsock.Dial(*pConnect)
		if err != nil {
			log.Panicf("csbusctl: dial %s: %s", *pConnect, err)
		}
		req = requester.New(sid, client.RequesterSender(sid), trait)
		if err := client.BindRequester(sid, selfAddr, req); err != nil {
			log.Panicf("csbusctl: register requester: %s", err)
		}
		closeFn = func() { client.Close() }

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: *pConnect})
		if cfg.Redis.URL != "" {
			opts, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				log.Panicf("csbusctl: parse redis url: %s", err)
			}
			rdb = redis.NewClient(opts)
		}
		router := redisbus.New(rdb, cfg.Namespace, trait)
		req = requester.New(sid, router.RequesterSender(sid, selfAddr), trait)
		router.RegisterServiceRequester(sid, selfAddr, req)
		closeFn = func() { router.Close(); rdb.Close() }

	default:
		fmt.Fprintf(os.Stderr, "csbusctl: unknown transport %q\n", *pTransport)
		os.Exit(2)
	}
	defer closeFn()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch *pAction {
	case "request":
		runRequest(req, opID, *pContent, *pTimeout, trait)
	case "status":
		runStatus(req, opID, *pTimeout, trait)
	case "signal":
		runSignal(ctx, req, opID, trait)
	default:
		fmt.Fprintf(os.Stderr, "csbusctl: unknown action %q\n", *pAction)
		os.Exit(2)
	}
}

func runRequest(req *requester.Requester, opID csmsg.OpID, content string, timeout time.Duration, trait *payload.GobTrait) {
	result, status := req.SendRequest(opID, content, timeout)
	if status != csmsg.Success {
		fmt.Fprintf(os.Stderr, "request failed: %s\n", status)
		os.Exit(1)
	}
	printPayload(result, trait)
}

func runStatus(req *requester.Requester, opID csmsg.OpID, timeout time.Duration, trait *payload.GobTrait) {
	result, status := req.GetStatus(opID, timeout)
	if status != csmsg.Success {
		fmt.Fprintf(os.Stderr, "status read failed: %s\n", status)
		os.Exit(1)
	}
	printPayload(result, trait)
}

func runSignal(ctx context.Context, req *requester.Requester, opID csmsg.OpID, trait *payload.GobTrait) {
	regID, status := req.RegisterSignal(opID, func(p csmsg.Payload) {
		printPayload(p, trait)
	})
	if status != csmsg.Success {
		fmt.Fprintf(os.Stderr, "signal registration failed: %s\n", status)
		os.Exit(1)
	}
	defer req.Unregister(regID)

	<-ctx.Done()
}

func printPayload(p csmsg.Payload, trait *payload.GobTrait) {
	var s string
	if trait.Decode(p, &s) == payload.Success {
		fmt.Println(s)
		return
	}

	var raw map[string]interface{}
	if trait.Decode(p, &raw) == payload.Success {
		var fields map[string]string
		if err := mapstructure.Decode(raw, &fields); err == nil {
			fmt.Println(fields)
			return
		}
		fmt.Println(raw)
		return
	}

	if p == nil {
		fmt.Println("<nil>")
		return
	}
	fmt.Println(strconv.Quote(string(p.Bytes())))
}
