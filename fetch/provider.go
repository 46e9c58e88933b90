package fetch

import (
	"context"

	"go.viam.com/pcstream/scheduler"
	"go.viam.com/pcstream/updatestate"
	"go.viam.com/pcstream/utils"
)

// Protocol is the scheduler protocol served by RangeProvider.
const Protocol = "range"

// A RangeRequest is the payload of a range command.
type RangeRequest struct {
	URL   string
	Start int64
	// End is exclusive; negative reads to the end of the resource.
	End int64
}

// RangeProvider executes range commands with a Fetcher.
type RangeProvider struct {
	fetcher Fetcher
}

// NewRangeProvider returns a provider fetching with f.
func NewRangeProvider(f Fetcher) *RangeProvider {
	return &RangeProvider{fetcher: f}
}

// ExecuteCommand implements scheduler.Provider. The result is a []byte.
func (p *RangeProvider) ExecuteCommand(ctx context.Context, cmd *scheduler.Command) (interface{}, error) {
	req, ok := cmd.Payload.(*RangeRequest)
	if !ok {
		return nil, utils.NewUnexpectedTypeError(req, cmd.Payload)
	}
	return p.fetcher.Fetch(ctx, req.URL, req.Start, req.End)
}

// NewRangeCommand returns a cacheable command fetching [start, end) of url. state and
// targetLevel describe the requester and may be nil and -1.
func NewRangeCommand(url string, start, end int64, requester string, state *updatestate.State, targetLevel int) *scheduler.Command {
	return &scheduler.Command{
		Host:        HostOf(url),
		Protocol:    Protocol,
		Requester:   requester,
		TargetLevel: targetLevel,
		Payload:     &RangeRequest{URL: url, Start: start, End: end},
		CacheKey:    []interface{}{url, start, end},
		State:       state,
	}
}

// Range runs a range command through s and returns the fetched bytes.
func Range(ctx context.Context, s *scheduler.Scheduler, cmd *scheduler.Command) ([]byte, error) {
	res, err := s.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	data, ok := res.([]byte)
	if !ok {
		return nil, utils.NewUnexpectedTypeError(data, res)
	}
	return data, nil
}
