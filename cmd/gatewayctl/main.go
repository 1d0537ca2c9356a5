/**
 * Copyright (c) 2011-2021 Cloudware S.A. All rights reserved.
 *
 * This file is part of casper-http-gateway.
 *
 * casper-http-gateway is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 */

// Command gatewayctl is the operator's CLI: "lint" validates a provider
// config document offline, and "probe" sends a synthetic job at a
// running gatewayd's admin endpoint to smoke-test a provider.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/casper2020/casper-http-gateway/internal/config"
	"github.com/casper2020/casper-http-gateway/internal/model"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "lint":
		runLint(os.Args[2:])
	case "probe":
		runProbe(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gatewayctl lint -c <config.yaml>")
	fmt.Fprintln(os.Stderr, "       gatewayctl probe -admin <addr> -provider <id> -url <target-url> [-method GET] [-body <json>]")
}

func providerTypeName(t model.ProviderType) string {
	if t == model.Storage {
		return "storage"
	}
	return "storageless"
}

func runLint(args []string) {
	fs := flag.NewFlagSet("lint", flag.ExitOnError)
	configPath := fs.String("c", "gateway.yaml", "path to the provider/job-queue/admin config document")
	fs.Parse(args)

	doc, providers, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s: %d provider(s) ok\n", *configPath, len(providers))
	for _, p := range providers {
		fmt.Printf("  - %s (%s)\n", p.ID, providerTypeName(p.Type))
	}
	if doc.Admin.ListenAddr != "" {
		fmt.Printf("admin listen_addr: %s\n", doc.Admin.ListenAddr)
	}
	if doc.JobQueue.BrokerURL != "" {
		fmt.Printf("job_queue broker_url: %s\n", doc.JobQueue.BrokerURL)
	}
	if doc.Cache.BoltPath != "" {
		fmt.Printf("cache bolt_path: %s\n", doc.Cache.BoltPath)
	}
}

type debugPushRequest struct {
	ProviderID string `json:"provider_id"`
	ID         string `json:"id"`
	HTTP       struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Body    string            `json:"body"`
		Headers map[string]string `json:"headers"`
	} `json:"http"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

func runProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	adminAddr := fs.String("admin", "http://127.0.0.1:8090", "gatewayd admin API base URL")
	providerID := fs.String("provider", "", "provider id to target")
	url := fs.String("url", "", "upstream URL the synthetic job should request")
	method := fs.String("method", "GET", "HTTP method for the synthetic job")
	body := fs.String("body", "", "request body for the synthetic job")
	timeoutSeconds := fs.Int("timeout", 30, "seconds to wait for a response")
	fs.Parse(args)

	if *providerID == "" || *url == "" {
		fmt.Fprintln(os.Stderr, "gatewayctl probe: -provider and -url are required")
		os.Exit(2)
	}

	req := debugPushRequest{ProviderID: *providerID, TimeoutSeconds: *timeoutSeconds}
	req.HTTP.Method = *method
	req.HTTP.URL = *url
	req.HTTP.Body = *body

	payload, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: encoding probe request: %s\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: time.Duration(*timeoutSeconds+5) * time.Second}
	resp, err := client.Post(*adminAddr+"/debug/push", "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: probing %s: %s\n", *adminAddr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: reading response: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("status: %s\n%s\n", resp.Status, out.String())
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
