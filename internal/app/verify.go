package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/portfolio"
)

// VerifyReport summarizes a version-chain audit.
type VerifyReport struct {
	Paths      int
	Portfolios int
	Broken     []error
}

// VerifyChains walks every curriculum and portfolio chain and checks that
// version numbers start at 1 and have no gaps. Broken chains are collected
// rather than aborting the walk; only storage failures return an error.
func (c *Container) VerifyChains(ctx context.Context) (VerifyReport, error) {
	var rep VerifyReport

	paths, err := c.Repos.Curricula.ListPaths(ctx)
	if err != nil {
		return rep, fmt.Errorf("list paths: %w", err)
	}
	for _, id := range paths {
		versions, err := c.Repos.Curricula.List(ctx, id)
		if err != nil {
			return rep, fmt.Errorf("list versions of path %s: %w", id, err)
		}
		rep.Paths++
		if err := curriculum.CheckChain(id, versions); err != nil {
			rep.Broken = append(rep.Broken, err)
		}
	}

	portfolios, err := c.Repos.Portfolios.ListPortfolios(ctx)
	if err != nil {
		return rep, fmt.Errorf("list portfolios: %w", err)
	}
	for _, id := range portfolios {
		versions, err := c.Repos.Portfolios.List(ctx, id)
		if err != nil {
			return rep, fmt.Errorf("list versions of portfolio %s: %w", id, err)
		}
		rep.Portfolios++
		if err := portfolio.VerifyChain(id, versions); err != nil {
			rep.Broken = append(rep.Broken, err)
		}
	}
	return rep, nil
}

// Err joins the broken chains, or returns nil.
func (r VerifyReport) Err() error {
	return errors.Join(r.Broken...)
}
