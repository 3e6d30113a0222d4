// Command curryx-call performs one call and prints the JSON result.
//
//	curryx-call -config curryx.yaml calc v1 add 2 3
//
// Arguments are JSON values. Their type names are inferred (int, float64,
// string, bool) unless -types lists them explicitly.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"curryx/client"
	"curryx/config"
	"curryx/discovery"
	"curryx/registry"
	"curryx/transport"

	"github.com/pkg/errors"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration")
	types := flag.String("types", "", "comma-separated parameter type names, overriding inference")
	timeout := flag.Duration("timeout", 0, "call timeout, overriding call.timeout")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: curryx-call [flags] service version method [json-arg...]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 3 {
		flag.Usage()
		os.Exit(2)
	}

	result, err := run(*configPath, *types, *timeout, flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "curryx-call:", err)
		os.Exit(1)
	}
	fmt.Println(string(result))
}

func run(configPath, types string, timeout time.Duration, args []string) ([]byte, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	defer logger.Sync()

	inv, err := invocation(args[0], args[1], args[2], args[3:], types)
	if err != nil {
		return nil, err
	}
	inv.Timeout = timeout

	popts, err := cfg.ProtocolOptions()
	if err != nil {
		return nil, err
	}
	balancer, err := cfg.Balancer()
	if err != nil {
		return nil, err
	}
	coord, err := registry.NewEtcdCoordinator(cfg.EtcdConfig(logger))
	if err != nil {
		return nil, err
	}
	reg := registry.New(coord, cfg.Root, logger)
	defer reg.Close()
	cache := discovery.New(reg, discovery.WithLogger(logger))
	defer cache.Close()

	c := client.NewClient(cache,
		client.WithBalancer(balancer),
		client.WithTimeout(cfg.CallTimeout()),
		client.WithRetry(cfg.Call.Retries),
		client.WithTransport(transport.Options{Protocol: popts}),
		client.WithLogger(logger),
	)
	defer c.Close()
	return c.Invoke(context.Background(), inv)
}

func invocation(service, version, method string, raw []string, types string) (*client.Invocation, error) {
	inv := &client.Invocation{Service: service, Version: version, Method: method}
	for _, arg := range raw {
		if !json.Valid([]byte(arg)) {
			// Bare words are strings.
			b, _ := json.Marshal(arg)
			arg = string(b)
		}
		inv.Params = append(inv.Params, []byte(arg))
		inv.ParamTypes = append(inv.ParamTypes, inferType(arg))
	}
	if types != "" {
		names := strings.Split(types, ",")
		if len(names) != len(raw) {
			return nil, errors.Errorf("%d types for %d arguments", len(names), len(raw))
		}
		inv.ParamTypes = names
	}
	return inv, nil
}

func inferType(arg string) string {
	dec := json.NewDecoder(bytes.NewReader([]byte(arg)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "string"
	}
	switch v := v.(type) {
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return "int"
		}
		return "float64"
	case string:
		return "string"
	case bool:
		return "bool"
	}
	return "map[string]interface {}"
}
