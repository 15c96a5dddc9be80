package otel

import (
	"context"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil {
		t.Fatal("noop provider must still expose a tracer")
	}
	_, span := StartSpan(context.Background(), p.Tracer, "ingest.tick", AttrBranchID.String("b1"))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init none: %v", err)
	}
	_, span := StartClientSpan(context.Background(), p.Tracer, "upstream.fetch_page")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
