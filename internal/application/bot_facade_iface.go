package application

import "context"

// BotFacadeIface is the surface the chat adapter needs. Using an interface
// lets adapter tests pass in light-weight fakes.
type BotFacadeIface interface {
	HandleStart(ctx context.Context, tgID int64, firstName string) (string, error)
	HandleGenerate(ctx context.Context, tgID int64) (string, error)
	HandleCancel(ctx context.Context, tgID int64) (string, error)
	HandleHelp(ctx context.Context) string
	HandleText(ctx context.Context, tgID int64, text string) ([]string, error)
	ProgressNotice(ctx context.Context, tgID int64) string
	ExpiredNotice() string
	RateLimited() string
	Commands() [][2]string
}
