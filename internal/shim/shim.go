// Package shim emits the client-side interception script injected into
// delivered HTML. The script is a pure string template parameterized by the
// bridge prefix and the literal target URL; it patches the page's own network
// and navigation entry points so traffic keeps flowing through the bridge.
package shim

import (
	"strconv"
	"strings"
)

// Generator builds injection scripts for a fixed bridge prefix.
type Generator struct {
	Prefix string
}

// NewGenerator creates a Generator for the given bridge prefix.
func NewGenerator(prefix string) *Generator {
	return &Generator{Prefix: prefix}
}

// Script returns the inline <script> element for a delivered page whose real
// location is targetURL. The script must execute before any other script in
// the document, so callers inject it as the first child of <head>.
func (g *Generator) Script(targetURL string) string {
	r := strings.NewReplacer(
		"__PREFIX__", jsString(g.Prefix),
		"__TARGET__", jsString(targetURL),
	)
	return "<script>" + r.Replace(shimSource) + "</script>"
}

// jsString renders s as a JavaScript double-quoted string literal. The
// strconv quoting also escapes "<" and ">" via \u form when needed, so a
// crafted target URL cannot break out of the surrounding script element.
func jsString(s string) string {
	quoted := strconv.Quote(s)
	quoted = strings.ReplaceAll(quoted, "</", `<\/`)
	return quoted
}

// shimSource mirrors the injection behavior the bridge guarantees:
// resolve/rewrite helpers, fetch/XHR/WebSocket/Worker/history/location
// overrides, click and form interception, analytics stubs, and the
// bridge-loaded parent notification.
const shimSource = `(function(){
window.__BRIDGE_PREFIX__=__PREFIX__;
window.__BRIDGE_TARGET__=__TARGET__;
window.__BRIDGE_BASE__=window.__BRIDGE_BASE__||((window.location.origin||"")+window.__BRIDGE_PREFIX__);
var resolveAbs=function(u){if(!u)return null;if(u.startsWith("//"))u="https:"+u;try{return new URL(u,window.__BRIDGE_TARGET__).href}catch(e){try{return new URL(u).href}catch(err){return null}}};
var rewrite=function(url){if(!url||typeof url!=="string")return url;if(url.startsWith("data:")||url.startsWith("blob:")||url.startsWith("javascript:"))return url;if(url.startsWith(window.__BRIDGE_PREFIX__)||url.startsWith(window.location.origin+window.__BRIDGE_PREFIX__))return url;if(url.startsWith("http"))return window.__BRIDGE_PREFIX__+url;if(url.startsWith("//"))return window.__BRIDGE_PREFIX__+"https:"+url;try{return window.__BRIDGE_PREFIX__+new URL(url,window.__BRIDGE_TARGET__).href}catch(e){return url}};
document.addEventListener("click",function(e){if(e.defaultPrevented)return;var a=e.target.closest("a");if(!a)return;var href=a.getAttribute("data-bridge-orig-href")||a.getAttribute("href");if(!href||href.startsWith("javascript:")||href.startsWith("#"))return;var real=resolveAbs(href);if(!real)return;e.preventDefault();var bridged=rewrite(real);if(a.target==="_blank"||e.ctrlKey||e.metaKey){window.open(bridged,"_blank")}else{window.location.href=bridged}});
document.addEventListener("submit",function(e){var form=e.target;if(!form||form.tagName!=="FORM")return;e.preventDefault();var action=form.getAttribute("action")||window.__BRIDGE_TARGET__;var method=(form.getAttribute("method")||"GET").toUpperCase();var absolute=resolveAbs(action)||window.__BRIDGE_TARGET__;if(method==="GET"){var params=new URLSearchParams(new FormData(form)).toString();if(params)absolute+=(absolute.indexOf("?")>=0?"&":"?")+params}window.parent.postMessage({type:"navigate",url:absolute},"*");window.location.href=rewrite(absolute)},true);
var originalFetch=window.fetch;window.fetch=function(input,init){if(typeof input==="string")input=rewrite(input);else if(input instanceof Request)input=new Request(rewrite(input.url),input);return originalFetch.call(this,input,init)};
var originalOpen=XMLHttpRequest.prototype.open;XMLHttpRequest.prototype.open=function(method,url){arguments[1]=rewrite(url);return originalOpen.apply(this,arguments)};
var originalWS=window.WebSocket;window.WebSocket=function(url,protocols){if(!url)return new originalWS(url,protocols);var target=url;if(!target.startsWith("ws")){try{target=new URL(url,window.__BRIDGE_TARGET__).href}catch(e){}target=target.replace("http","ws")}var proxyUrl=(window.location.protocol==="https:"?"wss://":"ws://")+window.location.host+window.__BRIDGE_PREFIX__+"ws/"+encodeURIComponent(target);return new originalWS(proxyUrl,protocols)};
window.WebSocket.prototype=originalWS.prototype;window.WebSocket.CONNECTING=originalWS.CONNECTING;window.WebSocket.OPEN=originalWS.OPEN;window.WebSocket.CLOSING=originalWS.CLOSING;window.WebSocket.CLOSED=originalWS.CLOSED;
var originalWorker=window.Worker;if(originalWorker){window.Worker=function(scriptURL,options){return new originalWorker(rewrite(scriptURL),options)};window.Worker.prototype=originalWorker.prototype}
var origAssign=window.location.assign.bind(window.location);var origReplace=window.location.replace.bind(window.location);
window.location.assign=function(url){origAssign(rewrite(url))};
window.location.replace=function(url){origReplace(rewrite(url))};
try{var locDesc=Object.getOwnPropertyDescriptor(window,"location");if(locDesc&&locDesc.set){var origSet=locDesc.set.bind(window);Object.defineProperty(window,"location",Object.assign({},locDesc,{set:function(v){if(typeof v==="string"){origSet(rewrite(v))}else{origSet(v)}}}))}}catch(e){}
var origHistPush=history.pushState.bind(history);var origHistReplace=history.replaceState.bind(history);
history.pushState=function(s,t,u){return origHistPush(s,t,u?rewrite(u):u)};
history.replaceState=function(s,t,u){return origHistReplace(s,t,u?rewrite(u):u)};
window.dataLayer=[];window.gtag=function(){};window.ga=function(){};window.fbq=function(){};
window.parent.postMessage({type:"bridge-loaded",url:window.__BRIDGE_TARGET__},"*");
})()`
