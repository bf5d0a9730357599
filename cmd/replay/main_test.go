package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"smallbiznis-licensing/services/billing"

	"github.com/stretchr/testify/require"
)

type publishFunc func(ctx context.Context, evt billing.Event) error

func (f publishFunc) Publish(ctx context.Context, evt billing.Event) error { return f(ctx, evt) }

func TestPublishAll(t *testing.T) {
	input := `{"id":"evt_1","type":"invoice.paid","data":{"invoice_id":"in_123"}}

{"id":"evt_2","type":"invoice.paid","data":{"invoice_id":"in_123"}}
`
	var got []billing.Event
	n, err := publishAll(context.Background(), strings.NewReader(input), publishFunc(func(ctx context.Context, evt billing.Event) error {
		got = append(got, evt)
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "evt_1", got[0].ID)
	require.Equal(t, billing.EventInvoicePaid, got[1].Type)
	require.JSONEq(t, `{"invoice_id":"in_123"}`, string(got[1].Data))
}

func TestPublishAllStopsOnError(t *testing.T) {
	n, err := publishAll(context.Background(), strings.NewReader("{\"id\":\"evt_1\",\"type\":\"invoice.paid\"}\nnot json\n"), publishFunc(func(ctx context.Context, evt billing.Event) error {
		return nil
	}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
	require.Equal(t, 1, n)

	_, err = publishAll(context.Background(), strings.NewReader(`{"id":"evt_1","type":"invoice.paid"}`), publishFunc(func(ctx context.Context, evt billing.Event) error {
		return errors.New("redis down")
	}))
	require.ErrorContains(t, err, "evt_1")
}
