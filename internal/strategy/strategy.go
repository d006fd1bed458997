// Package strategy 将请求路径映射到缓存策略，规则按声明顺序匹配，首个命中生效。
package strategy

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind 描述请求使用的缓存读写策略。
type Kind int

const (
	// StaleWhileRevalidate 是未命中任何规则时的默认策略。
	StaleWhileRevalidate Kind = iota
	NetworkFirst
	CacheFirst
)

// String 返回日志与诊断接口中使用的策略名。
func (k Kind) String() string {
	switch k {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind 是 String 的逆操作，大小写不敏感。
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cache-first":
		return CacheFirst, nil
	case "network-first":
		return NetworkFirst, nil
	case "stale-while-revalidate":
		return StaleWhileRevalidate, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", raw)
	}
}

// MarshalText 让 Kind 在 JSON 中以策略名出现。
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Rule 是一条有序分类规则。
type Rule struct {
	Pattern *regexp.Regexp
	Kind    Kind
}

// Classifier 持有不可变的规则列表，可被多个请求并发使用。
type Classifier struct {
	rules []Rule
}

// New 依次编译 network-first 与 cache-first 规则。network-first 排在前面，
// 同时命中两类规则的路径归为 NetworkFirst。
func New(networkFirst, cacheFirst []string) (*Classifier, error) {
	rules := make([]Rule, 0, len(networkFirst)+len(cacheFirst))
	for _, group := range []struct {
		patterns []string
		kind     Kind
	}{
		{networkFirst, NetworkFirst},
		{cacheFirst, CacheFirst},
	} {
		for _, raw := range group.patterns {
			re, err := regexp.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("compile %s pattern %q: %w", group.kind, raw, err)
			}
			rules = append(rules, Rule{Pattern: re, Kind: group.kind})
		}
	}
	return &Classifier{rules: rules}, nil
}

// MustNew 在规则非法时 panic，适合测试与内置默认规则。
func MustNew(networkFirst, cacheFirst []string) *Classifier {
	c, err := New(networkFirst, cacheFirst)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify 返回首个匹配规则对应的策略。
func (c *Classifier) Classify(path string) Kind {
	if c == nil {
		return StaleWhileRevalidate
	}
	for _, rule := range c.rules {
		if rule.Pattern.MatchString(path) {
			return rule.Kind
		}
	}
	return StaleWhileRevalidate
}

// Rules 返回规则副本，供诊断接口按顺序输出。
func (c *Classifier) Rules() []Rule {
	if c == nil {
		return nil
	}
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}
