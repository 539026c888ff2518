package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/invoice-fusion/constants"
)

func dialBufconn(t *testing.T, svc *Service, apiKeys []string) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs, _ := NewGRPCServer(svc, apiKeys)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustStruct(t *testing.T, raw string) *structpb.Struct {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGRPCExtract(t *testing.T) {
	env := newTestEnv(t, nil)
	client := NewFusionClient(dialBufconn(t, env.svc, nil))
	ctx := context.Background()

	out, err := client.Extract(ctx, mustStruct(t, labeledPage))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	fields := out.GetFields()
	if got := fields["invoice_number"].GetStringValue(); got != "INV-9" {
		t.Errorf("invoice_number = %q", got)
	}
	if got := fields["status"].GetStringValue(); got != string(constants.StatusOK) {
		t.Errorf("status = %q", got)
	}
	if got := len(fields["line_items"].GetListValue().GetValues()); got != 1 {
		t.Errorf("line_items = %d", got)
	}

	_, err = client.Extract(ctx, mustStruct(t, `{"width": 10, "height": 10, "tokens": []}`))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("empty page code = %v", status.Code(err))
	}
}

func TestGRPCGetInvoice(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.seedInvoice(t, "G-1", constants.StatusOK)
	client := NewFusionClient(dialBufconn(t, env.svc, nil))
	ctx := context.Background()

	out, err := client.GetInvoice(ctx, mustStruct(t, `{"id": "`+id.String()+`"}`))
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	rec := out.GetFields()["record"].GetStructValue().GetFields()
	if got := rec["invoice_number"].GetStringValue(); got != "G-1" {
		t.Errorf("invoice_number = %q", got)
	}

	_, err = client.GetInvoice(ctx, mustStruct(t, `{"id": "00000000-0000-0000-0000-000000000001"}`))
	if status.Code(err) != codes.NotFound {
		t.Errorf("missing code = %v", status.Code(err))
	}
	if msg := status.Convert(err).Message(); msg != "invoice 00000000-0000-0000-0000-000000000001 not found" {
		t.Errorf("missing message = %q", msg)
	}
	_, err = client.GetInvoice(ctx, mustStruct(t, `{"id": "nope"}`))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("bad id code = %v", status.Code(err))
	}
}

func TestGRPCAuthAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialBufconn(t, env.svc, []string{"secret"})
	client := NewFusionClient(conn)
	ctx := context.Background()

	_, err := client.Extract(ctx, mustStruct(t, labeledPage))
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("no key code = %v", status.Code(err))
	}
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer secret")
	if _, err := client.Extract(authed, mustStruct(t, labeledPage)); err != nil {
		t.Errorf("with key: %v", err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: FusionServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health = %v", resp.GetStatus())
	}
}
