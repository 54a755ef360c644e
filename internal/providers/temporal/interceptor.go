package temporal

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/interceptor"
)

// NewSentryActivityInterceptor gives every activity execution its own Sentry hub,
// scoped with the workflow that scheduled it
func NewSentryActivityInterceptor() interceptor.WorkerInterceptor {
	return &sentryWorkerInterceptor{}
}

type sentryWorkerInterceptor struct {
	interceptor.WorkerInterceptorBase
}

func (s *sentryWorkerInterceptor) InterceptActivity(ctx context.Context, next interceptor.ActivityInboundInterceptor) interceptor.ActivityInboundInterceptor {
	i := &sentryActivityInterceptor{}
	i.Next = next
	return i
}

type sentryActivityInterceptor struct {
	interceptor.ActivityInboundInterceptorBase
}

// ExecuteActivity attaches a cloned hub so logger.*Ctx calls inside the activity report
// to a scope tagged with the activity type, workflow id and attempt
func (s *sentryActivityInterceptor) ExecuteActivity(ctx context.Context, in *interceptor.ExecuteActivityInput) (interface{}, error) {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range activityTags(activity.GetInfo(ctx)) {
			scope.SetTag(k, v)
		}
	})
	return s.Next.ExecuteActivity(sentry.SetHubOnContext(ctx, hub), in)
}

// activityTags names the activity in Sentry; rebuild workflow ids carry the case id
func activityTags(info activity.Info) map[string]string {
	return map[string]string{
		"activity_type": info.ActivityType.Name,
		"workflow_id":   info.WorkflowExecution.ID,
		"task_queue":    info.TaskQueue,
		"attempt":       strconv.Itoa(int(info.Attempt)),
	}
}
