package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newScenarioCmd 复现结算的端到端流程：A 占满库存，B 缺货，A 释放后 B 重试成功。
// 要求目标商品当前没有其他占用。
func newScenarioCmd(opts *checkOptions) *cobra.Command {
	var productID string
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run the hold / shortage / release / retry checkout scenario against one product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			stock, err := opts.availability(ctx, productID)
			if err != nil {
				return err
			}
			if stock.Available == 0 {
				return fmt.Errorf("product %s has nothing available", productID)
			}

			cartA, cartB := "check-a-"+uuid.NewString()[:8], "check-b-"+uuid.NewString()[:8]
			defer func() {
				_ = opts.release(ctx, cartA)
				_ = opts.release(ctx, cartB)
			}()

			a, err := opts.hold(ctx, cartA, holdItem{ProductID: productID, Quantity: stock.Available})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "A holds %d -> granted %d\n", stock.Available, a.Items[0].Granted)
			if a.Items[0].Granted != stock.Available {
				return fmt.Errorf("cart A expected %d, got %d", stock.Available, a.Items[0].Granted)
			}

			b, err := opts.hold(ctx, cartB, holdItem{ProductID: productID, Quantity: 1})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "B holds 1 -> granted %d shortage=%v\n", b.Items[0].Granted, b.Items[0].Shortage)
			if b.Items[0].Granted != 0 || !b.Items[0].Shortage {
				return fmt.Errorf("cart B should have been short")
			}

			if err := opts.release(ctx, cartA); err != nil {
				return err
			}
			after, err := opts.availability(ctx, productID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "A released -> available %d\n", after.Available)

			b, err = opts.hold(ctx, cartB, holdItem{ProductID: productID, Quantity: 1})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "B retries 1 -> granted %d\n", b.Items[0].Granted)
			if b.Items[0].Granted != 1 {
				return fmt.Errorf("cart B retry expected 1, got %d", b.Items[0].Granted)
			}
			fmt.Fprintln(out, "scenario OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&productID, "product", "sku-1", "product to use")
	return cmd
}
