package ai

import (
	"fmt"
	"time"
)

const ocrPrompt = "请识别图片中的所有文字内容，按原始排版逐行输出。只输出识别到的文字，不要添加任何解释。如果图片中没有文字，输出空字符串。"

var weekdayNames = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

func extractPrompt(reference time.Time) string {
	return fmt.Sprintf(`你是一个日程提取助手。当前时间是 %s %s。

请从用户消息中提取所有日程安排，以 JSON 数组输出，每个日程一个对象：
[{"title": "日程标题", "start_time": "2006-01-02 15:04", "end_time": "2006-01-02 15:04", "location": "地点", "span": "原文片段"}]

规则：
1. "今天"、"明天"、"后天"、"下周三" 等相对时间必须基于当前时间换算为绝对时间。
2. 只提到日期没有提到具体时刻时，start_time 留空字符串。
3. 没有提到结束时间时，end_time 留空字符串；没有提到地点时，location 留空字符串。
4. span 填消息中描述这条日程的原文片段。
5. 消息中没有任何日程时输出空数组 []。
6. 只输出 JSON，不要输出任何其他内容。`,
		reference.Format("2006-01-02 15:04"), weekdayNames[reference.Weekday()])
}
