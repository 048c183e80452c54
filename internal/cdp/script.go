package cdp

// captureElementsScript enumerates visible interactive elements in DOM
// document order and returns them as JSON. Each element is tagged with a
// data-tasker-index attribute so follow-up actions can re-locate it without
// trusting a stale selector.
const captureElementsScript = `
(() => {
	function isVisible(el) {
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) return false;
		const style = window.getComputedStyle(el);
		if (style.visibility === 'hidden' || style.display === 'none') return false;
		return true;
	}
	function isInteractive(el) {
		const tag = el.tagName.toLowerCase();
		if (['input', 'button', 'select', 'textarea', 'a'].includes(tag)) return true;
		if (el.hasAttribute('onclick')) return true;
		if (el.getAttribute('role')) return true;
		if (el.getAttribute('aria-label')) return true;
		if (el.tabIndex >= 0) return true;
		return false;
	}
	const out = [];
	const all = document.querySelectorAll('body *');
	let idx = 0;
	for (const el of all) {
		if (!isInteractive(el) || !isVisible(el)) continue;
		el.setAttribute('data-tasker-index', String(idx));
		const rect = el.getBoundingClientRect();
		const attrs = {};
		for (const a of el.attributes) {
			if (a.name === 'data-tasker-index') continue;
			attrs[a.name] = a.value;
		}
		out.push({
			index: idx,
			tag: el.tagName.toLowerCase(),
			text: (el.innerText || el.value || '').trim().slice(0, 200),
			attributes: attrs,
			rect: { x: rect.x, y: rect.y, width: rect.width, height: rect.height },
			in_viewport: rect.top >= 0 && rect.left >= 0 && rect.bottom <= window.innerHeight && rect.right <= window.innerWidth,
		});
		idx++;
	}
	return JSON.stringify({
		url: window.location.href,
		title: document.title,
		elements: out,
		scroll_x: window.scrollX,
		scroll_y: window.scrollY,
		page_width: document.documentElement.scrollWidth,
		page_height: document.documentElement.scrollHeight,
	});
})()
`

// elementRectScript re-reads the bounding rect of a previously indexed
// element, returning null if the index no longer resolves to any element
// (the snapshot is stale).
const elementRectScript = `
(() => {
	const el = document.querySelector('[data-tasker-index="%d"]');
	if (!el) return null;
	el.scrollIntoView({block: 'center', inline: 'center'});
	const rect = el.getBoundingClientRect();
	return JSON.stringify({x: rect.x, y: rect.y, width: rect.width, height: rect.height});
})()
`

// extractTextScript returns the page's normalized visible text.
const extractTextScript = `
(() => document.body ? document.body.innerText.replace(/\s+/g, ' ').trim() : '')()
`
