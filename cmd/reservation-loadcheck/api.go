package main

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

type holdItem struct {
	ProductID string `json:"productId"`
	Quantity  uint   `json:"quantity"`
}

type itemResult struct {
	ProductID string `json:"productId"`
	Requested uint   `json:"requested"`
	Granted   uint   `json:"granted"`
	Shortage  bool   `json:"shortage"`
}

type holdResponse struct {
	CartID    string       `json:"cartId"`
	ExpiresAt *time.Time   `json:"expiresAt"`
	Items     []itemResult `json:"items"`
}

type availability struct {
	ProductID  string `json:"productId"`
	TotalStock uint   `json:"totalStock"`
	Reserved   uint   `json:"reserved"`
	Available  uint   `json:"available"`
}

func (o *checkOptions) hold(ctx context.Context, cartID string, items ...holdItem) (holdResponse, error) {
	var res holdResponse
	err := o.client.PostJSON(ctx, o.url("carts", cartID, "hold"), map[string]any{"items": items}, &res)
	return res, err
}

func (o *checkOptions) release(ctx context.Context, cartID string) error {
	return o.client.Delete(ctx, o.url("carts", cartID, "hold"))
}

func (o *checkOptions) availability(ctx context.Context, productID string) (availability, error) {
	var res availability
	err := o.client.GetJSON(ctx, o.url("products", productID, "availability"), &res)
	return res, err
}

func (o *checkOptions) url(segments ...string) string {
	u, err := url.JoinPath(o.baseURL, segments...)
	if err != nil {
		panic(fmt.Sprintf("bad base url %q: %v", o.baseURL, err))
	}
	return u
}
