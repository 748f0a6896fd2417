// Package awsinit performs the shared Lambda bootstrap: AWS config with
// OTel-instrumented SDK clients, an X-Ray-exporting tracer provider, and an
// instrumented lambda.Start.
package awsinit

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Result carries the initialized AWS config and tracer provider.
type Result struct {
	Config aws.Config
	tp     *sdktrace.TracerProvider
}

// Init loads AWS configuration, instruments the SDK middlewares, and
// installs the global tracer provider.
func Init(ctx context.Context) (*Result, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	tp, err := xrayconfig.NewTracerProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("init tracer provider: %w", err)
	}
	otel.SetTracerProvider(tp)

	return &Result{Config: cfg, tp: tp}, nil
}

// Start runs the Lambda handler wrapped with tracing instrumentation.
func (r *Result) Start(handler any) {
	lambda.Start(otellambda.InstrumentHandler(handler, xrayconfig.WithRecommendedOptions(r.tp)...))
}
