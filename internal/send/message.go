package send

import (
	"fmt"

	"github.com/tanoasia/feedrelay/internal/store"
)

// User-facing message strings mirror the bot's original product text.

func formatBody(c *store.Content) string {
	return fmt.Sprintf("🐦 用户 %s 最新动态\n⏰ %s\n🔗 %s\n📝 正文：\n%s",
		c.AuthorName,
		c.PublishedAt.Local().Format("2006-01-02 15:04"),
		c.Permalink,
		c.BodyText,
	)
}

func formatTranslation(c *store.Content, modelName string) string {
	return fmt.Sprintf("%s\n【翻译由%s提供】", c.TranslatedText, modelName)
}

func formatImageCount(n int) string {
	return fmt.Sprintf("🖼️ 检测到 %d 张图片...", n)
}

func formatImageFailure(err error) string {
	return fmt.Sprintf("❌ 图片下载失败: %v", err)
}
