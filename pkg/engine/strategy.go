package engine

import (
	"context"
	"sync"

	"github.com/fluxorio/orchestrator/pkg/agent"
	"github.com/fluxorio/orchestrator/pkg/logging"
)

// execution is what a strategy hands back for reconciliation.
type execution struct {
	// successes are every successful response, in selection order.
	successes []agent.Response
	// ballots are the responses fed to consensus.
	ballots []agent.Response
	primary *agent.Response
}

// parallel runs every worker concurrently and waits for all of them.
// primary is the highest-confidence success.
func (e *Engine) parallel(ctx context.Context, workers []agent.Worker, req agent.AnalysisRequest) execution {
	successes := e.fanOut(ctx, workers, agent.AnalysisContext{Request: req})
	if len(successes) == 0 {
		return execution{}
	}
	best := bestOf(successes)
	return execution{successes: successes, ballots: successes, primary: &best}
}

// sequential runs workers one at a time; each sees the successes before it.
// primary is the last success.
func (e *Engine) sequential(ctx context.Context, workers []agent.Worker, req agent.AnalysisRequest) execution {
	var prior []agent.Response
	for _, w := range workers {
		if ctx.Err() != nil {
			break
		}
		in := agent.AnalysisContext{
			Request:      req,
			PriorResults: append([]agent.Response(nil), prior...),
		}
		resp, err := e.invoke(ctx, w, in)
		if err != nil {
			continue
		}
		prior = append(prior, resp)
	}
	if len(prior) == 0 {
		return execution{}
	}
	last := prior[len(prior)-1]
	return execution{successes: prior, ballots: prior, primary: &last}
}

// hybrid splits workers into capability-overlap groups, runs each group in
// parallel and the groups one after another. Only each group's best response
// votes; later groups see the earlier bests as prior results.
func (e *Engine) hybrid(ctx context.Context, workers []agent.Worker, req agent.AnalysisRequest) execution {
	var run execution
	for i, group := range GroupByCapability(workers) {
		if ctx.Err() != nil {
			break
		}
		in := agent.AnalysisContext{
			Request:      req,
			PriorResults: append([]agent.Response(nil), run.ballots...),
		}
		successes := e.fanOut(ctx, group, in)
		if len(successes) == 0 {
			e.logger.LogError(errGroupFailed, logging.CategoryExecution, logging.SeverityLow, logging.Fields{
				"request_id": req.ID,
				"group":      i,
				"workers":    workerIDs(group),
			})
			continue
		}
		run.successes = append(run.successes, successes...)
		run.ballots = append(run.ballots, bestOf(successes))
	}
	if len(run.ballots) == 0 {
		return execution{}
	}
	last := run.ballots[len(run.ballots)-1]
	run.primary = &last
	return run
}

// fanOut invokes workers concurrently with the same input and returns the
// successes in worker order. It never short-circuits on a failure.
func (e *Engine) fanOut(ctx context.Context, workers []agent.Worker, in agent.AnalysisContext) []agent.Response {
	slots := make([]*agent.Response, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w agent.Worker) {
			defer wg.Done()
			resp, err := e.invoke(ctx, w, in)
			if err == nil {
				slots[i] = &resp
			}
		}(i, w)
	}
	wg.Wait()

	var out []agent.Response
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// GroupByCapability partitions workers into connected components of the
// capability-overlap graph. Groups and their members keep the order in which
// workers were given.
func GroupByCapability(workers []agent.Worker) [][]agent.Worker {
	parent := make([]int, len(workers))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// lower index stays root so discovery order is preserved
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	owner := make(map[string]int)
	for i, w := range workers {
		for _, c := range agent.NormalizeCapabilities(w.Capabilities()) {
			if j, ok := owner[c]; ok {
				union(i, j)
				continue
			}
			owner[c] = i
		}
	}

	index := make(map[int]int)
	var groups [][]agent.Worker
	for i, w := range workers {
		root := find(i)
		g, ok := index[root]
		if !ok {
			g = len(groups)
			index[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], w)
	}
	return groups
}

// bestOf returns the highest-confidence response, the earliest on ties.
func bestOf(responses []agent.Response) agent.Response {
	best := responses[0]
	for _, r := range responses[1:] {
		if r.Confidence.Value > best.Confidence.Value {
			best = r
		}
	}
	return best
}

func workerIDs(workers []agent.Worker) []string {
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID()
	}
	return ids
}
