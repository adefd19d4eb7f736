package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vaultflow/internal/chain"
	"vaultflow/internal/pricefeed"
	"vaultflow/internal/registry"
	"vaultflow/internal/risk"
	"vaultflow/internal/validation"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newRiskCmd 离线计算风险指标，不需要配置文件
func newRiskCmd() *cobra.Command {
	var collateral, debt, price string

	cmd := &cobra.Command{
		Use:   "risk",
		Short: "计算金库的LTV与健康因子",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := validation.ParseAmount(collateral)
			if err != nil {
				return fmt.Errorf("抵押数量无效: %w", err)
			}
			d, err := validation.ParseAmount(debt)
			if err != nil {
				return fmt.Errorf("债务数量无效: %w", err)
			}
			p, err := validation.ParseAmount(price)
			if err != nil {
				return fmt.Errorf("价格无效: %w", err)
			}

			m := risk.Evaluate(c, d, p)
			return printJSON(map[string]interface{}{
				"ltv":           risk.FormatLTV(m.LTV),
				"health_factor": risk.FormatHealthFactor(m.HealthFactor),
				"risk_level":    m.Level,
				"liquidatable":  m.Liquidatable,
			})
		},
	}
	cmd.Flags().StringVar(&collateral, "collateral", "0", "抵押 MINA 数量")
	cmd.Flags().StringVar(&debt, "debt", "0", "zkUSD 债务数量")
	cmd.Flags().StringVar(&price, "price", "0", "MINA 美元价格")
	return cmd
}

// newVaultsCmd 查看本地金库注册表
func newVaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vaults",
		Short: "查看本地金库注册表",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			store, err := registry.OpenStore(cfg.Registry.Path, logger)
			if err != nil {
				return fmt.Errorf("打开金库注册表失败: %w", err)
			}
			defer store.Close()

			record, err := store.Snapshot()
			if err != nil {
				return fmt.Errorf("读取金库注册表失败: %w", err)
			}
			return printJSON(record)
		},
	}
}

// newPriceCmd 拉取一次价格证明并校验区块范围
func newPriceCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "price",
		Short: "获取最新价格证明",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			feed := pricefeed.New(*cfg.PriceFeed, logger)
			point, err := feed.LatestValid(ctx, chain.NewClient(*cfg.Chain, logger))
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"price":        validation.FormatAmount(point.PriceNanoUSD, 4),
				"block_height": point.BlockHeight,
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "请求超时")
	return cmd
}
