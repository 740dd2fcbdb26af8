// Copyright The Gpuscope Authors
// SPDX-License-Identifier: Apache-2.0

// Package otlp builds the OTLP clients the agent exports through:
// a tracer provider for dispatch spans and a logger provider for
// lifecycle events.
package otlp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"
)

// Opts selects the transport and endpoint for both signal types.
type Opts struct {
	ServiceName string
	TLS         struct {
		Enable                    bool
		CAFile, CertFile, KeyFile string
		InsecureSkipVerify        bool
	}
	GRPC struct {
		Enabled  bool
		Endpoint string
		Insecure bool
		Timeout  time.Duration
	}
	HTTP struct {
		Enabled  bool
		Endpoint string
		Insecure bool
		Timeout  time.Duration
	}
}

// Clients contains the OTLP providers for the signals gpuscope emits.
type Clients struct {
	Trace *sdktrace.TracerProvider
	Log   *sdklog.LoggerProvider

	closers []func(context.Context) error
}

// New builds the providers. gRPC wins when both transports are
// enabled; with neither enabled the returned clients carry nil
// providers and the caller falls back to local-only operation.
func New(ctx context.Context, o Opts) (*Clients, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(o.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	c := &Clients{}

	switch {
	case o.GRPC.Enabled:
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.GRPC.Endpoint)}
		logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(o.GRPC.Endpoint)}
		if o.TLS.Enable && !o.GRPC.Insecure {
			creds, err := buildTLS(o.TLS.CAFile, o.TLS.CertFile, o.TLS.KeyFile, o.TLS.InsecureSkipVerify)
			if err != nil {
				return nil, err
			}
			traceOpts = append(traceOpts, otlptracegrpc.WithTLSCredentials(creds))
			logOpts = append(logOpts, otlploggrpc.WithTLSCredentials(creds))
		} else {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			logOpts = append(logOpts, otlploggrpc.WithInsecure())
		}
		texp, err := otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace grpc: %w", err)
		}
		c.Trace = sdktrace.NewTracerProvider(sdktrace.WithBatcher(texp), sdktrace.WithResource(res))
		lexp, err := otlploggrpc.New(ctx, logOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp log grpc: %w", err)
		}
		c.Log = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(lexp)),
			sdklog.WithResource(res),
		)
	case o.HTTP.Enabled:
		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(o.HTTP.Endpoint)}
		logOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(o.HTTP.Endpoint)}
		if o.HTTP.Insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
			logOpts = append(logOpts, otlploghttp.WithInsecure())
		}
		texp, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace http: %w", err)
		}
		c.Trace = sdktrace.NewTracerProvider(sdktrace.WithBatcher(texp), sdktrace.WithResource(res))
		lexp, err := otlploghttp.New(ctx, logOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp log http: %w", err)
		}
		c.Log = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(lexp)),
			sdklog.WithResource(res),
		)
	}

	if c.Trace != nil {
		otel.SetTracerProvider(c.Trace)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		c.closers = append(c.closers, c.Trace.Shutdown)
	}
	if c.Log != nil {
		c.closers = append(c.closers, c.Log.Shutdown)
	}
	return c, nil
}

// Close flushes and shuts down every configured provider.
func (c *Clients) Close(ctx context.Context) error {
	var errs []error
	for _, fn := range c.closers {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildTLS(caFile, certFile, keyFile string, insecureSkip bool) (credentials.TransportCredentials, error) {
	cfg := &tls.Config{InsecureSkipVerify: insecureSkip} //nolint:gosec // operator opt-in
	if caFile != "" {
		ca, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.New("no certificates parsed from CA file")
		}
		cfg.RootCAs = pool
	}
	if certFile != "" && keyFile != "" {
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return credentials.NewTLS(cfg), nil
}
