package pacjs

//
// Netscape PAC utility functions
//

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/gobwas/glob"
)

// installLibrary defines the PAC utility functions in the global scope.
func (e *Evaluator) installLibrary() error {
	functions := map[string]func(call goja.FunctionCall) goja.Value{
		"alert":               e.alert,
		"dateRange":           e.dateRange,
		"dnsDomainIs":         e.dnsDomainIs,
		"dnsDomainLevels":     e.dnsDomainLevels,
		"dnsResolve":          e.dnsResolve,
		"isInNet":             e.isInNet,
		"isPlainHostName":     e.isPlainHostName,
		"isResolvable":        e.isResolvable,
		"localHostOrDomainIs": e.localHostOrDomainIs,
		"myIpAddress":         e.myIPAddress,
		"shExpMatch":          e.shExpMatch,
		"timeRange":           e.timeRange,
		"weekdayRange":        e.weekdayRange,
	}
	for name, fn := range functions {
		if err := e.vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func stringArgs(call goja.FunctionCall) []string {
	var out []string
	for _, arg := range call.Arguments {
		out = append(out, arg.String())
	}
	return out
}

func (e *Evaluator) alert(call goja.FunctionCall) goja.Value {
	e.logger.Infof("pacjs: alert: %s", call.Argument(0).String())
	return goja.Undefined()
}

func (e *Evaluator) isPlainHostName(call goja.FunctionCall) goja.Value {
	return e.vm.ToValue(!strings.Contains(call.Argument(0).String(), "."))
}

func (e *Evaluator) dnsDomainIs(call goja.FunctionCall) goja.Value {
	host, domain := call.Argument(0).String(), call.Argument(1).String()
	return e.vm.ToValue(strings.HasSuffix(host, domain))
}

func (e *Evaluator) localHostOrDomainIs(call goja.FunctionCall) goja.Value {
	host, hostdom := call.Argument(0).String(), call.Argument(1).String()
	return e.vm.ToValue(host == hostdom || strings.HasPrefix(hostdom, host+"."))
}

func (e *Evaluator) dnsDomainLevels(call goja.FunctionCall) goja.Value {
	return e.vm.ToValue(strings.Count(call.Argument(0).String(), "."))
}

func (e *Evaluator) shExpMatch(call goja.FunctionCall) goja.Value {
	str, pattern := call.Argument(0).String(), call.Argument(1).String()
	matcher, found := e.globs[pattern]
	if !found {
		compiled, err := glob.Compile(escapeShellExpression(pattern))
		if err != nil {
			return e.vm.ToValue(false)
		}
		e.globs[pattern] = compiled
		matcher = compiled
	}
	return e.vm.ToValue(matcher.Match(str))
}

// escapeShellExpression escapes the glob metacharacters that shell
// expressions treat literally. Only '*' and '?' keep their meaning.
func escapeShellExpression(pattern string) string {
	var sb strings.Builder
	for _, r := range pattern {
		if strings.ContainsRune(`[]{}\,!-`, r) {
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// resolveIPv4 returns the first IPv4 address of host.
func (e *Evaluator) resolveIPv4(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, addr.Is4()
	}
	if e.factory.HostResolver == nil {
		return netip.Addr{}, false
	}
	addrs, err := e.factory.HostResolver.LookupHost(e.ctx, host)
	if err != nil {
		e.logger.Debugf("pacjs: dnsResolve %s: %s", host, err.Error())
		return netip.Addr{}, false
	}
	for _, entry := range addrs {
		if addr, err := netip.ParseAddr(entry); err == nil && addr.Is4() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func (e *Evaluator) dnsResolve(call goja.FunctionCall) goja.Value {
	addr, ok := e.resolveIPv4(call.Argument(0).String())
	if !ok {
		return goja.Null()
	}
	return e.vm.ToValue(addr.String())
}

func (e *Evaluator) isResolvable(call goja.FunctionCall) goja.Value {
	_, ok := e.resolveIPv4(call.Argument(0).String())
	return e.vm.ToValue(ok)
}

func (e *Evaluator) isInNet(call goja.FunctionCall) goja.Value {
	addr, ok := e.resolveIPv4(call.Argument(0).String())
	if !ok {
		return e.vm.ToValue(false)
	}
	pattern, err := netip.ParseAddr(call.Argument(1).String())
	if err != nil || !pattern.Is4() {
		return e.vm.ToValue(false)
	}
	mask, err := netip.ParseAddr(call.Argument(2).String())
	if err != nil || !mask.Is4() {
		return e.vm.ToValue(false)
	}
	a, p, m := addr.As4(), pattern.As4(), mask.As4()
	for idx := range a {
		if a[idx]&m[idx] != p[idx]&m[idx] {
			return e.vm.ToValue(false)
		}
	}
	return e.vm.ToValue(true)
}

func (e *Evaluator) myIPAddress(call goja.FunctionCall) goja.Value {
	return e.vm.ToValue(e.factory.myIPAddress())
}

// defaultMyIPAddress returns the first usable IPv4 address of this host.
func defaultMyIPAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, entry := range addrs {
			ipnet, ok := entry.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
				return ip.String()
			}
		}
	}
	return "127.0.0.1"
}

// clock returns the current time, in UTC when the last argument
// is "GMT", along with the remaining arguments.
func (e *Evaluator) clock(args []string) (time.Time, []string) {
	now := e.factory.now()
	if len(args) > 0 && args[len(args)-1] == "GMT" {
		return now.UTC(), args[:len(args)-1]
	}
	return now, args
}

var weekdays = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

func weekday(name string) int {
	if value, found := weekdays[strings.ToUpper(name)]; found {
		return value
	}
	return -1
}

func (e *Evaluator) weekdayRange(call goja.FunctionCall) goja.Value {
	now, args := e.clock(stringArgs(call))
	if len(args) < 1 {
		return e.vm.ToValue(false)
	}
	first, last := weekday(args[0]), weekday(args[0])
	if len(args) >= 2 {
		last = weekday(args[1])
	}
	if first < 0 || last < 0 {
		return e.vm.ToValue(false)
	}
	today := int(now.Weekday())
	if first <= last {
		return e.vm.ToValue(first <= today && today <= last)
	}
	return e.vm.ToValue(today >= first || today <= last)
}

func (e *Evaluator) timeRange(call goja.FunctionCall) goja.Value {
	now, args := e.clock(stringArgs(call))
	var values []int
	for _, arg := range args {
		value, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return e.vm.ToValue(false)
		}
		values = append(values, value)
	}
	hour := now.Hour()
	seconds := hour*3600 + now.Minute()*60 + now.Second()
	var start, end int
	switch len(values) {
	case 0:
		return e.vm.ToValue(false)
	case 1:
		return e.vm.ToValue(hour == values[0])
	case 2:
		return e.vm.ToValue(values[0] <= hour && hour < values[1])
	case 4:
		start = values[0]*3600 + values[1]*60
		end = values[2]*3600 + values[3]*60 + 59
	case 6:
		start = values[0]*3600 + values[1]*60 + values[2]
		end = values[3]*3600 + values[4]*60 + values[5]
	default:
		panic(e.vm.NewTypeError("timeRange: bad number of arguments"))
	}
	return e.vm.ToValue(start <= seconds && seconds <= end)
}

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// dateBound is one end of a dateRange. A zero day means the last
// day of the month.
type dateBound struct {
	day   int
	month time.Month
	year  int
}

// parse updates the bound using a day (< 32), a year, or a month name.
func (b *dateBound) parse(arg string) (isDay, ok bool) {
	if value, err := strconv.Atoi(strings.TrimSpace(arg)); err == nil {
		if value < 32 {
			b.day = value
			return true, true
		}
		b.year = value
		return false, true
	}
	month, found := months[strings.ToUpper(arg)]
	if !found {
		return false, false
	}
	b.month = month
	return false, true
}

func (e *Evaluator) dateRange(call goja.FunctionCall) goja.Value {
	now, args := e.clock(stringArgs(call))
	switch len(args) {
	case 0:
		return e.vm.ToValue(false)
	case 1:
		var single dateBound
		isDay, ok := single.parse(args[0])
		switch {
		case !ok:
			return e.vm.ToValue(false)
		case isDay:
			return e.vm.ToValue(now.Day() == single.day)
		case single.year != 0:
			return e.vm.ToValue(now.Year() == single.year)
		default:
			return e.vm.ToValue(now.Month() == single.month)
		}
	}

	half := len(args) / 2
	start := dateBound{day: 1, month: time.January, year: now.Year()}
	end := dateBound{day: 0, month: time.December, year: now.Year()}
	var adjustMonth bool
	for _, arg := range args[:half] {
		isDay, ok := start.parse(arg)
		if !ok {
			return e.vm.ToValue(false)
		}
		if isDay {
			adjustMonth = len(args) <= 2
		}
	}
	for _, arg := range args[half:] {
		if _, ok := end.parse(arg); !ok {
			return e.vm.ToValue(false)
		}
	}
	if adjustMonth {
		start.month, end.month = now.Month(), now.Month()
	}

	loc := now.Location()
	from := time.Date(start.year, start.month, start.day, 0, 0, 0, 0, loc)
	var until time.Time
	if end.day == 0 {
		until = time.Date(end.year, end.month+1, 0, 23, 59, 59, 0, loc)
	} else {
		until = time.Date(end.year, end.month, end.day, 23, 59, 59, 0, loc)
	}
	return e.vm.ToValue(!now.Before(from) && !now.After(until))
}
