package eval

import "github.com/penserai/acteon/internal/ir"

var weekdayNames = [...]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// buildTimeMap constructs the `time` identifier's value map:
// hour/minute/second/day/month/year/weekday/weekday_num/timestamp,
// computed in ctx.Timezone if set, else UTC. timestamp is always UTC.
func buildTimeMap(ctx *Context) ir.Value {
	now := ctx.Now.UTC()
	local := now
	if ctx.Timezone != nil {
		local = ctx.Now.In(ctx.Timezone)
	}

	weekdayNum := int(local.Weekday()) // 0=Sunday..6=Saturday
	isoWeekdayNum := weekdayNum
	if isoWeekdayNum == 0 {
		isoWeekdayNum = 7 // 1=Mon..7=Sun
	}

	m := map[string]ir.Value{
		"hour":        ir.Int(int64(local.Hour())),
		"minute":      ir.Int(int64(local.Minute())),
		"second":      ir.Int(int64(local.Second())),
		"day":         ir.Int(int64(local.Day())),
		"month":       ir.Int(int64(local.Month())),
		"year":        ir.Int(int64(local.Year())),
		"weekday":     ir.String(weekdayNames[weekdayNum]),
		"weekday_num": ir.Int(int64(isoWeekdayNum)),
		"timestamp":   ir.Int(now.Unix()),
	}
	return ir.Map(m)
}
