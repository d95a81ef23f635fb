package pipeline

// stopwords filtered out of keyword candidates. English function words
// plus the assistant-transcript boilerplate that would otherwise dominate
// every keyword list.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "him": true, "his": true, "how": true, "its": true,
	"may": true, "new": true, "now": true, "old": true, "see": true,
	"two": true, "way": true, "who": true, "did": true, "get": true,
	"let": true, "say": true, "she": true, "too": true, "use": true,
	"that": true, "with": true, "have": true, "this": true, "will": true,
	"your": true, "from": true, "they": true, "know": true, "want": true,
	"been": true, "good": true, "much": true, "some": true, "time": true,
	"very": true, "when": true, "come": true, "here": true, "just": true,
	"like": true, "long": true, "make": true, "many": true, "more": true,
	"only": true, "over": true, "such": true, "take": true, "than": true,
	"them": true, "well": true, "were": true, "what": true, "into": true,
	"also": true, "back": true, "after": true, "other": true, "there": true,
	"about": true, "which": true, "their": true, "would": true, "could": true,
	"should": true, "these": true, "those": true, "where": true, "being": true,
	"does": true, "doing": true, "going": true, "still": true, "then": true,
	"each": true, "same": true, "need": true, "needs": true, "please": true,
	"thanks": true, "thank": true, "okay": true, "yes": true, "sure": true,
	"first": true, "using": true, "used": true, "instead": true, "because": true,
	"before": true, "between": true, "both": true, "during": true, "while": true,
	"here's": true, "don't": true, "can't": true, "it's": true, "i'll": true,
	"let's": true, "looks": true, "look": true, "something": true, "anything": true,
	"actually": true, "really": true, "think": true, "thing": true, "things": true,
	"right": true, "wrong": true, "done": true, "now's": true, "made": true,
}
