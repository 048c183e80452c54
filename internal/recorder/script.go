package recorder

// captureScript is injected into every frame via
// Page.addScriptToEvaluateOnNewDocument. It hooks user input and navigation
// events, assigns each observed element a stable integer via a WeakMap, and
// reports structured events back to Go through the `__taskerRecord` binding
// installed by the engine before injection.
const captureScript = `
(() => {
	if (window.__taskerRecorderInstalled) return;
	window.__taskerRecorderInstalled = true;

	const elementIds = new WeakMap();
	let nextId = 0;
	function idFor(el) {
		if (!el) return null;
		if (!elementIds.has(el)) elementIds.set(el, nextId++);
		return elementIds.get(el);
	}
	function describe(el) {
		if (!el) return null;
		const rect = el.getBoundingClientRect();
		return {
			id: idFor(el),
			tag: el.tagName ? el.tagName.toLowerCase() : '',
			text: (el.innerText || el.value || '').trim().slice(0, 200),
			rect: {x: rect.x, y: rect.y, width: rect.width, height: rect.height},
		};
	}
	function send(kind, extra) {
		try {
			window.__taskerRecord(JSON.stringify(Object.assign({
				kind,
				url: window.location.href,
				ts: Date.now(),
			}, extra || {})));
		} catch (e) { /* binding not ready yet */ }
	}

	document.addEventListener('click', (e) => send('click', {element: describe(e.target)}), true);
	document.addEventListener('contextmenu', (e) => send('context_menu', {element: describe(e.target)}), true);
	document.addEventListener('submit', (e) => send('submit', {element: describe(e.target)}), true);
	document.addEventListener('change', (e) => {
		const el = e.target;
		if (el && el.tagName === 'SELECT') send('select_dropdown', {element: describe(el), value: el.value});
	}, true);
	document.addEventListener('input', (e) => send('input', {element: describe(e.target), value: e.target.value}), true);
	document.addEventListener('keydown', (e) => {
		if (e.key === 'Enter' || (e.ctrlKey || e.metaKey)) {
			send('send_keys', {element: describe(e.target), key: e.key, ctrl: e.ctrlKey, meta: e.metaKey});
		}
	}, true);
	document.addEventListener('scroll', (() => {
		let lastY = window.scrollY, lastX = window.scrollX;
		return () => {
			const dy = Math.abs(window.scrollY - lastY);
			const dx = Math.abs(window.scrollX - lastX);
			if (dy < 100 && dx < 100) return;
			lastY = window.scrollY; lastX = window.scrollX;
			send('scroll', {scroll_x: window.scrollX, scroll_y: window.scrollY});
		};
	})(), true);

	const origPush = history.pushState;
	history.pushState = function (...args) { origPush.apply(this, args); send('navigate', {}); };
	const origReplace = history.replaceState;
	history.replaceState = function (...args) { origReplace.apply(this, args); send('navigate', {}); };
	window.addEventListener('popstate', () => send('navigate', {}));
	window.addEventListener('beforeunload', () => send('navigate', {}));
})();
`
