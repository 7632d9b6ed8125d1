// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/bufbuild/pooledhttp"
	"github.com/bufbuild/pooledhttp/balancer"
	"github.com/bufbuild/pooledhttp/health"
	"github.com/bufbuild/pooledhttp/internal/config"
	"github.com/bufbuild/pooledhttp/internal/logging"
	"github.com/bufbuild/pooledhttp/resolver"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serviceHost is the placeholder host of requests sent to a balanced
// service; only their path and query are used.
const serviceHost = "http://service"

type flags struct {
	configPath string
	headers    []string
	data       string
	follow     bool
	include    bool
	count      int
	printStats bool
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "pooledhttp",
		Short: "Send HTTP requests over pooled connections",
		Long: `pooledhttp sends HTTP/1.1 requests through a bounded connection pool.

If the configuration names service instances (balancing.instances) or a
service to resolve (balancing.target), requests take a path such as
/users?id=7 and are balanced and retried across the instances. Otherwise
they take an absolute http or https URL.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path of a YAML config file")
	root.PersistentFlags().StringArrayVarP(&f.headers, "header", "H", nil, `request header as "Name: value", may be repeated`)
	root.PersistentFlags().BoolVarP(&f.follow, "location", "L", false, "follow redirects")
	root.PersistentFlags().BoolVarP(&f.include, "include", "i", false, "print the status line and response headers")
	root.PersistentFlags().IntVarP(&f.count, "count", "n", 1, "number of times to send the request, concurrently")
	root.PersistentFlags().BoolVar(&f.printStats, "stats", false, "print request statistics when done")

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodDelete} {
		root.AddCommand(newRequestCommand(method, f, false))
	}
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch} {
		root.AddCommand(newRequestCommand(method, f, true))
	}
	return root
}

func newRequestCommand(method string, f *flags, withBody bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   strings.ToLower(method) + " <url-or-path>",
		Short: "Send a " + method + " request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), method, args[0], f)
		},
	}
	if withBody {
		cmd.Flags().StringVarP(&f.data, "data", "d", "", "request body")
	}
	return cmd
}

func run(ctx context.Context, out io.Writer, method, target string, f *flags) (retErr error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.count < 1 {
		return fmt.Errorf("--count must be positive, got %d", f.count)
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	client, err := pooledhttp.NewClient(clientOptions(cfg, logger)...)
	if err != nil {
		return err
	}
	defer func() {
		retErr = errors.Join(retErr, client.Close())
	}()

	var executor pooledhttp.Executor = client
	balanced, closeBalancer, err := newServiceBalancer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if balanced != nil {
		defer func() {
			retErr = errors.Join(retErr, closeBalancer())
		}()
		executor = pooledhttp.NewBalancingClient(client, balanced,
			pooledhttp.WithMaxAttempts(cfg.Balancing.MaxAttempts),
			pooledhttp.WithRetryableStatus(cfg.Balancing.RetryableStatus...),
			pooledhttp.WithBalancingLogger(logger),
		)
		if !strings.Contains(target, "://") {
			target = serviceHost + "/" + strings.TrimPrefix(target, "/")
		}
	}

	req, err := newRequest(method, target, f)
	if err != nil {
		return err
	}
	responses := make([]*pooledhttp.BufferedResponse, f.count)
	var group errgroup.Group
	for i := range responses {
		group.Go(func() error {
			resp, err := pooledhttp.Execute(ctx, executor, req, pooledhttp.BufferedHandler())
			responses[i] = resp
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if f.count == 1 {
		if err := printResponse(out, responses[0], f.include); err != nil {
			return err
		}
	}
	if f.printStats {
		return printStats(out, client)
	}
	return nil
}

func clientOptions(cfg *config.Config, logger *slog.Logger) []pooledhttp.ClientOption {
	options := []pooledhttp.ClientOption{
		pooledhttp.WithMaxConnections(cfg.Client.MaxConnections),
		pooledhttp.WithMaxQueuedPerDestination(cfg.Client.MaxQueuedPerDestination),
		pooledhttp.WithPooling(cfg.Client.Pooling),
		pooledhttp.WithConnectTimeout(cfg.Client.ConnectTimeout),
		pooledhttp.WithIdleTimeout(cfg.Client.IdleTimeout),
		pooledhttp.WithMaxContentLength(cfg.Client.MaxContentLength),
		pooledhttp.WithWorkers(cfg.Client.Workers),
		pooledhttp.WithMaxRedirects(cfg.Client.MaxRedirects),
		pooledhttp.WithUserAgent(cfg.Client.UserAgent),
		pooledhttp.WithLogger(logger),
	}
	if cfg.Client.SocksProxy != "" {
		options = append(options, pooledhttp.WithSocksProxy(cfg.Client.SocksProxy))
	}
	return options
}

// newServiceBalancer returns nil if the configuration names no service.
func newServiceBalancer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (balancer.ServiceBalancer, func() error, error) {
	tracker := health.NewTracker(cfg.Balancing.FailureThreshold, cfg.Balancing.Cooldown)
	options := []balancer.Option{
		balancer.WithLogger(logger),
		balancer.WithHealthTracker(tracker),
	}
	switch {
	case len(cfg.Balancing.Instances) > 0:
		static, err := balancer.NewStatic(cfg.Balancing.Instances, options...)
		if err != nil {
			return nil, nil, err
		}
		return static, static.Close, nil
	case cfg.Balancing.Target != "":
		res := resolver.NewDNSResolver(net.DefaultResolver, resolver.PreferIPv4,
			resolver.WithDefaultTTL(cfg.Balancing.RefreshInterval))
		resolved, err := balancer.New(ctx, res, cfg.Balancing.Target, options...)
		if err != nil {
			return nil, nil, err
		}
		return resolved, resolved.Close, nil
	default:
		return nil, nil, nil
	}
}

func newRequest(method, target string, f *flags) (*pooledhttp.Request, error) {
	options := []pooledhttp.RequestOption{pooledhttp.WithFollowRedirects(f.follow)}
	for _, header := range f.headers {
		name, value, ok := strings.Cut(header, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q: expected \"Name: value\"", header)
		}
		options = append(options, pooledhttp.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	if f.data != "" {
		options = append(options, pooledhttp.WithBody(pooledhttp.StaticBody([]byte(f.data))))
	}
	return pooledhttp.NewRequest(method, target, options...)
}

func printResponse(out io.Writer, resp *pooledhttp.BufferedResponse, include bool) error {
	if include {
		if _, err := fmt.Fprintf(out, "%d %s\n", resp.StatusCode, resp.Status); err != nil {
			return err
		}
		var err error
		resp.Header.Each(func(name, value string) {
			if err == nil {
				_, err = fmt.Fprintf(out, "%s: %s\n", name, value)
			}
		})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out); err != nil {
			return err
		}
	}
	_, err := out.Write(resp.Body)
	return err
}

func printStats(out io.Writer, client *pooledhttp.Client) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(writer, "METHOD\tCLASS\tCOUNT\tREAD\tWRITTEN\tREQUEST\tRESPONSE")
	for _, entry := range client.Stats().Snapshot() {
		_, _ = fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%d\t%v\t%v\n",
			entry.Method, entry.StatusClass, entry.Count, entry.BytesRead, entry.BytesWritten,
			entry.RequestTime, entry.ResponseTime)
	}
	for category, count := range client.Stats().Failures() {
		_, _ = fmt.Fprintf(writer, "failure\t%s\t%d\n", category, count)
	}
	return writer.Flush()
}
