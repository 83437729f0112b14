package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newRaceCmd 让 shoppers 个购物车同时抢同一个商品的 1 件库存，校验授予数量不超过可用量。
func newRaceCmd(opts *checkOptions) *cobra.Command {
	var (
		productID string
		shoppers  int
		keep      bool
	)
	cmd := &cobra.Command{
		Use:   "race",
		Short: "Launch concurrent single-unit holds against one product and check nothing is oversold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			before, err := opts.availability(ctx, productID)
			if err != nil {
				return err
			}

			var (
				granted atomic.Int64
				mu      sync.Mutex
				carts   []string
			)
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(64)
			for i := 0; i < shoppers; i++ {
				cartID := "check-" + uuid.NewString()
				g.Go(func() error {
					res, err := opts.hold(gctx, cartID, holdItem{ProductID: productID, Quantity: 1})
					if err != nil {
						return err
					}
					if len(res.Items) == 1 && res.Items[0].Granted == 1 {
						granted.Add(1)
						mu.Lock()
						carts = append(carts, cartID)
						mu.Unlock()
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			after, err := opts.availability(ctx, productID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shoppers=%d available_before=%d granted=%d available_after=%d reserved_after=%d\n",
				shoppers, before.Available, granted.Load(), after.Available, after.Reserved)

			if !keep {
				releaseAll(context.WithoutCancel(ctx), opts, carts)
			}
			if uint(granted.Load()) > before.Available {
				return fmt.Errorf("oversold: granted %d with only %d available", granted.Load(), before.Available)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&productID, "product", "sku-1", "product to race on")
	cmd.Flags().IntVar(&shoppers, "shoppers", 50, "number of concurrent carts")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the granted holds instead of releasing them")
	return cmd
}

func releaseAll(ctx context.Context, opts *checkOptions, carts []string) {
	var g errgroup.Group
	g.SetLimit(16)
	for _, cartID := range carts {
		g.Go(func() error {
			if err := opts.release(ctx, cartID); err != nil {
				fmt.Printf("release %s: %v\n", cartID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
