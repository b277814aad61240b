package event

import "time"

// Debounce 对上游事件流做去抖：同类型事件在窗口期内合并，
// 只有静默超过 window 后才把最后一条下发
// 用于仪表盘推送，避免存储变更风暴刷爆前端
func Debounce(in <-chan *Event, window time.Duration) <-chan *Event {
	if window <= 0 {
		window = 400 * time.Millisecond
	}

	out := make(chan *Event, cap(in))
	go func() {
		defer close(out)

		pending := make(map[Type]*Event)
		timer := time.NewTimer(window)
		if !timer.Stop() {
			<-timer.C
		}
		timerActive := false

		flush := func() {
			for _, e := range pending {
				out <- e
			}
			pending = make(map[Type]*Event)
		}

		for {
			select {
			case e, ok := <-in:
				if !ok {
					if timerActive && !timer.Stop() {
						<-timer.C
					}
					flush()
					return
				}
				pending[e.Type] = e
				if timerActive && !timer.Stop() {
					<-timer.C
				}
				timer.Reset(window)
				timerActive = true
			case <-timer.C:
				timerActive = false
				flush()
			}
		}
	}()
	return out
}
